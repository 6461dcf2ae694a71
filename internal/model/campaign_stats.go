// internal/model/campaign_stats.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type CampaignStatus string

const (
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// StatField names a counter column of campaign_stats.
type StatField string

const (
	StatQueued       StatField = "queued"
	StatSent         StatField = "sent"
	StatDelivered    StatField = "delivered"
	StatOpened       StatField = "opened"
	StatUniqueOpens  StatField = "unique_opens"
	StatClicked      StatField = "clicked"
	StatUniqueClicks StatField = "unique_clicks"
	StatBounced      StatField = "bounced"
	StatComplained   StatField = "complained"
	StatFailed       StatField = "failed"
	StatSuppressed   StatField = "suppressed"
	StatUnsubscribed StatField = "unsubscribed"
)

// StatFields lists every counter in column order.
var StatFields = []StatField{
	StatQueued, StatSent, StatDelivered, StatOpened, StatUniqueOpens, StatClicked,
	StatUniqueClicks, StatBounced, StatComplained, StatFailed, StatSuppressed, StatUnsubscribed,
}

func (f StatField) Valid() bool {
	for _, known := range StatFields {
		if f == known {
			return true
		}
	}
	return false
}

type CampaignStats struct {
	CampaignID      string         `db:"campaign_id" json:"campaign_id"`
	TenantID        string         `db:"tenant_id" json:"tenant_id"`
	Status          CampaignStatus `db:"status" json:"status"`
	TotalRecipients int            `db:"total_recipients" json:"total_recipients"`
	Queued          int            `db:"queued" json:"queued"`
	Sent            int            `db:"sent" json:"sent"`
	Delivered       int            `db:"delivered" json:"delivered"`
	Opened          int            `db:"opened" json:"opened"`
	UniqueOpens     int            `db:"unique_opens" json:"unique_opens"`
	Clicked         int            `db:"clicked" json:"clicked"`
	UniqueClicks    int            `db:"unique_clicks" json:"unique_clicks"`
	Bounced         int            `db:"bounced" json:"bounced"`
	Complained      int            `db:"complained" json:"complained"`
	Failed          int            `db:"failed" json:"failed"`
	Suppressed      int            `db:"suppressed" json:"suppressed"`
	Unsubscribed    int            `db:"unsubscribed" json:"unsubscribed"`
	StartedAt       time.Time      `db:"started_at" json:"started_at"`
	CompletedAt     *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	LastEventAt     *time.Time     `db:"last_event_at" json:"last_event_at,omitempty"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// Counter returns a pointer to the counter named by f, or nil.
func (s *CampaignStats) Counter(f StatField) *int {
	switch f {
	case StatQueued:
		return &s.Queued
	case StatSent:
		return &s.Sent
	case StatDelivered:
		return &s.Delivered
	case StatOpened:
		return &s.Opened
	case StatUniqueOpens:
		return &s.UniqueOpens
	case StatClicked:
		return &s.Clicked
	case StatUniqueClicks:
		return &s.UniqueClicks
	case StatBounced:
		return &s.Bounced
	case StatComplained:
		return &s.Complained
	case StatFailed:
		return &s.Failed
	case StatSuppressed:
		return &s.Suppressed
	case StatUnsubscribed:
		return &s.Unsubscribed
	}
	return nil
}

// Apply adds every delta to its counter, clamping at zero.
func (s *CampaignStats) Apply(d Deltas) {
	for field, n := range d {
		c := s.Counter(field)
		if c == nil {
			continue
		}
		*c += n
		if *c < 0 {
			*c = 0
		}
	}
}

// Deltas maps counters to signed increments.
type Deltas map[StatField]int

func (d Deltas) Add(f StatField, n int) {
	d[f] += n
	if d[f] == 0 {
		delete(d, f)
	}
}

func (d Deltas) Empty() bool {
	return len(d) == 0
}

func (d Deltas) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

func (d *Deltas) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		*d = Deltas{}
		return nil
	default:
		return fmt.Errorf("deltas: unsupported scan type %T", src)
	}
	out := Deltas{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*d = out
	return nil
}

// StatsDelta is an outbox row: counter changes waiting to be folded into
// campaign_stats. ID is deterministic so a delta applies exactly once.
type StatsDelta struct {
	ID         string     `db:"id" json:"id"`
	TenantID   string     `db:"tenant_id" json:"tenant_id"`
	CampaignID string     `db:"campaign_id" json:"campaign_id"`
	Deltas     Deltas     `db:"deltas" json:"deltas"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	AppliedAt  *time.Time `db:"applied_at" json:"applied_at,omitempty"`
}
