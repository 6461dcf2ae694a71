// internal/model/send_intent.go
package model

import "time"

type SendStatus string

const (
	SendStatusQueued     SendStatus = "queued"
	SendStatusSent       SendStatus = "sent"
	SendStatusDelivered  SendStatus = "delivered"
	SendStatusOpened     SendStatus = "opened"
	SendStatusClicked    SendStatus = "clicked"
	SendStatusBounced    SendStatus = "bounced"
	SendStatusComplained SendStatus = "complained"
	SendStatusFailed     SendStatus = "failed"
	SendStatusSuppressed SendStatus = "suppressed"
)

func (s SendStatus) Valid() bool {
	switch s {
	case SendStatusQueued, SendStatusSent, SendStatusDelivered, SendStatusOpened, SendStatusClicked,
		SendStatusBounced, SendStatusComplained, SendStatusFailed, SendStatusSuppressed:
		return true
	}
	return false
}

// SendIntent is the single per-recipient record of a campaign send. At most
// one live (non-superseded) intent exists for a campaign and recipient email.
type SendIntent struct {
	ID                string     `db:"id" json:"id"`
	TenantID          string     `db:"tenant_id" json:"tenant_id"`
	CampaignID        string     `db:"campaign_id" json:"campaign_id"`
	BatchID           string     `db:"batch_id" json:"batch_id"`
	RecipientEmail    string     `db:"recipient_email" json:"recipient_email"`
	RecipientID       string     `db:"recipient_id" json:"recipient_id,omitempty"`
	RecipientName     string     `db:"recipient_name" json:"recipient_name,omitempty"`
	ProviderMessageID string     `db:"provider_message_id" json:"provider_message_id,omitempty"`
	Status            SendStatus `db:"status" json:"status"`
	Error             string     `db:"error" json:"error,omitempty"`
	SentAt            *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	FirstOpenedAt     *time.Time `db:"first_opened_at" json:"first_opened_at,omitempty"`
	LastOpenedAt      *time.Time `db:"last_opened_at" json:"last_opened_at,omitempty"`
	FirstClickedAt    *time.Time `db:"first_clicked_at" json:"first_clicked_at,omitempty"`
	OpenCount         int        `db:"open_count" json:"open_count"`
	ClickCount        int        `db:"click_count" json:"click_count"`
	SupersededAt      *time.Time `db:"superseded_at" json:"-"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}
