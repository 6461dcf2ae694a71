package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// MockSender simulates a provider. It succeeds with probability SuccessRate
// and always fails for addresses listed in FailFor.
type MockSender struct {
	SuccessRate float64
	FailFor     map[string]error

	mu   sync.Mutex
	sent []Message
}

func NewMockSender(successRate float64) *MockSender {
	return &MockSender{SuccessRate: successRate, FailFor: map[string]error{}}
}

func (m *MockSender) Name() string { return "mock" }

func (m *MockSender) Send(ctx context.Context, msg *Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, to := range msg.To {
		if err, ok := m.FailFor[to]; ok {
			return "", err
		}
	}
	if rand.Float64() >= m.SuccessRate {
		return "", fmt.Errorf("mock sending failed")
	}

	m.sent = append(m.sent, *msg)
	return "mock-" + uuid.NewString(), nil
}

// Sent returns a copy of every accepted message.
func (m *MockSender) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}
