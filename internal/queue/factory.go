package queue

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// New builds a Queue from a DSN: memory://, amqp(s)://user:pass@host/vhost or
// redis://host:port?group=name.
func New(dsn string) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == "memory" || strings.HasPrefix(dsn, "memory://") {
		return NewInMemoryQueue(), nil
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid queue url: %w", err)
	}

	switch u.Scheme {
	case "amqp", "amqps":
		return NewAMQPQueue(dsn)
	case "redis":
		group := u.Query().Get("group")
		if group == "" {
			group = "mailtrack-workers"
		}
		consumer := u.Query().Get("consumer")
		if consumer == "" {
			consumer, _ = os.Hostname()
		}
		if consumer == "" {
			consumer = "worker-1"
		}
		return NewRedisStreamQueue(u.Host, group, consumer)
	default:
		return nil, fmt.Errorf("unsupported queue scheme %q", u.Scheme)
	}
}
