// internal/model/delivery_event.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventQueued       EventType = "queued"
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventFailed       EventType = "failed"
	EventSuppressed   EventType = "suppressed"
	EventUnsubscribed EventType = "unsubscribed"
)

func (t EventType) Valid() bool {
	switch t {
	case EventQueued, EventSent, EventDelivered, EventOpened, EventClicked, EventBounced,
		EventComplained, EventFailed, EventSuppressed, EventUnsubscribed:
		return true
	}
	return false
}

// Repeatable reports whether multiple events of this type may be stored for
// one recipient. Every other type is recorded at most once.
func (t EventType) Repeatable() bool {
	return t == EventOpened || t == EventClicked
}

// Metadata is free-form event detail stored as JSONB.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", src)
	}
	out := Metadata{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// DeliveryEvent is an append-only lifecycle fact. SendIntentID is empty for
// orphan events that could not be tied to an intent.
type DeliveryEvent struct {
	ID                string     `db:"id" json:"id"`
	TenantID          string     `db:"tenant_id" json:"tenant_id"`
	CampaignID        string     `db:"campaign_id" json:"campaign_id"`
	SendIntentID      string     `db:"send_intent_id" json:"send_intent_id,omitempty"`
	RecipientEmail    string     `db:"recipient_email" json:"recipient_email"`
	EventType         EventType  `db:"event_type" json:"event_type"`
	ProviderMessageID string     `db:"provider_message_id" json:"provider_message_id,omitempty"`
	ProviderEventID   string     `db:"provider_event_id" json:"provider_event_id,omitempty"`
	Metadata          Metadata   `db:"metadata" json:"metadata,omitempty"`
	OccurredAt        time.Time  `db:"occurred_at" json:"occurred_at"`
	SupersededAt      *time.Time `db:"superseded_at" json:"-"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}
