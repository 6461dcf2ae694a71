// Package webhook turns provider-specific webhook payloads into one internal
// event shape.
package webhook

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/unclebandit/mailtrack-backend/internal/model"
)

var (
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrUnknownEventType = errors.New("unknown webhook event type")
	ErrNoRecipient      = errors.New("webhook payload has no recipient")
)

// Event is a provider event in internal vocabulary.
type Event struct {
	Provider          string
	NativeType        string
	Type              model.EventType
	RecipientEmail    string
	ProviderMessageID string
	OccurredAt        time.Time
	Metadata          model.Metadata
}

type Normalizer interface {
	Provider() string
	Normalize(raw []byte) (*Event, error)
}

// Registry resolves normalizers by provider name, case-insensitively.
type Registry struct {
	mu          sync.RWMutex
	normalizers map[string]Normalizer
	aliases     map[string]string
}

func NewRegistry(normalizers ...Normalizer) *Registry {
	r := &Registry{
		normalizers: make(map[string]Normalizer),
		aliases:     make(map[string]string),
	}
	for _, n := range normalizers {
		r.Register(n)
	}
	return r
}

// DefaultRegistry knows every provider this service can send through.
func DefaultRegistry() *Registry {
	return NewRegistry(ResendNormalizer{}, PostmarkNormalizer{})
}

func (r *Registry) Register(n Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.normalizers[strings.ToLower(n.Provider())] = n
}

func (r *Registry) RegisterAlias(provider string, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range aliases {
		r.aliases[strings.ToLower(a)] = strings.ToLower(provider)
	}
}

func (r *Registry) Get(name string) (Normalizer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name = strings.ToLower(name)
	if actual, ok := r.aliases[name]; ok {
		name = actual
	}
	n, ok := r.normalizers[name]
	return n, ok
}

// parseTime accepts RFC 3339 timestamps with or without fractional seconds
// and falls back to now.
func parseTime(values ...string) time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse("2006-01-02 15:04:05.999999-07", v); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// firstAddress extracts one email address from a field that may be a string,
// a list of strings, or objects carrying email/address/Email.
func firstAddress(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return normalizeAddress(s)
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			if addr := firstAddress(item); addr != "" {
				return addr
			}
		}
		return ""
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"email", "address", "Email", "Address"} {
			if v, ok := obj[key].(string); ok && v != "" {
				return normalizeAddress(v)
			}
		}
	}
	return ""
}

// normalizeAddress strips a display name ("Jane <jane@x.com>") and lowercases.
func normalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.LastIndex(s, ">"); j > i {
			s = s[i+1 : j]
		}
	}
	if first, _, found := strings.Cut(s, ","); found {
		s = first
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func setIf(m model.Metadata, key, value string) {
	if value != "" {
		m[key] = value
	}
}
