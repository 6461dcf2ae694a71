package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Handler processes one message body. A non-nil error asks the transport to
// redeliver the message.
type Handler func(ctx context.Context, body []byte) error

// Queue is the job transport between the API and the workers.
type Queue interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

const (
	TopicCampaignDispatch = "campaign_dispatch"
	TopicBulkReminders    = "bulk_reminders"
)

// DefaultMaxRetries is how many redeliveries a failing message gets.
const DefaultMaxRetries = 3

// InMemoryQueue delivers in process with retry. Messages are lost on exit,
// which the pending job outbox covers.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]Handler
	MaxRetries int
	Backoff    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue() *InMemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		MaxRetries: DefaultMaxRetries,
		Backoff:    500 * time.Millisecond,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// job wraps a message body with retry info
type job struct {
	Topic      string
	Body       []byte
	RetryCount int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(_ context.Context, topic string, body []byte) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}
	if q.ctx.Err() != nil {
		return fmt.Errorf("queue closed")
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		go q.processJob(handler, job{Topic: topic, Body: body})
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler Handler, j job) {
	defer q.wg.Done()

	for j.RetryCount <= q.MaxRetries {
		err := handler(q.ctx, j.Body)
		if err == nil {
			log.Debug().Str("topic", j.Topic).Msg("job processed")
			return
		}

		j.RetryCount++
		log.Warn().Err(err).Str("topic", j.Topic).Int("attempt", j.RetryCount).Int("max_retries", q.MaxRetries).Msg("job failed")

		if j.RetryCount > q.MaxRetries {
			log.Error().Str("topic", j.Topic).Int("attempts", j.RetryCount).Msg("job permanently failed")
			return
		}

		select {
		case <-q.ctx.Done():
			return
		case <-time.After(time.Duration(j.RetryCount) * q.Backoff):
		}
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close stops retries and waits for running handlers.
func (q *InMemoryQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
