package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/unclebandit/mailtrack-backend/internal/model"
)

var resendEventTypes = map[string]model.EventType{
	"email.sent":       model.EventSent,
	"email.delivered":  model.EventDelivered,
	"email.bounced":    model.EventBounced,
	"email.complained": model.EventComplained,
	"email.opened":     model.EventOpened,
	"email.clicked":    model.EventClicked,
	"email.suppressed": model.EventSuppressed,
	"email.failed":     model.EventFailed,
}

type resendPayload struct {
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		EmailID   string          `json:"email_id"`
		CreatedAt string          `json:"created_at"`
		To        json.RawMessage `json:"to"`
		Subject   string          `json:"subject"`
		Click     *struct {
			Link      string `json:"link"`
			IPAddress string `json:"ipAddress"`
			UserAgent string `json:"userAgent"`
			Timestamp string `json:"timestamp"`
		} `json:"click"`
		Open *struct {
			IPAddress string `json:"ipAddress"`
			UserAgent string `json:"userAgent"`
			Timestamp string `json:"timestamp"`
		} `json:"open"`
		Bounce *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			SubType string `json:"subType"`
		} `json:"bounce"`
		Suppressed *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"suppressed"`
		Failed *struct {
			Reason string `json:"reason"`
		} `json:"failed"`
	} `json:"data"`
}

type ResendNormalizer struct{}

func (ResendNormalizer) Provider() string { return "resend" }

func (n ResendNormalizer) Normalize(raw []byte) (*Event, error) {
	var p resendPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	eventType, ok := resendEventTypes[p.Type]
	if !ok {
		return nil, fmt.Errorf("%w: resend %q", ErrUnknownEventType, p.Type)
	}

	ev := &Event{
		Provider:          n.Provider(),
		NativeType:        p.Type,
		Type:              eventType,
		RecipientEmail:    firstAddress(p.Data.To),
		ProviderMessageID: p.Data.EmailID,
		Metadata:          model.Metadata{"native_type": p.Type},
	}
	if ev.RecipientEmail == "" {
		return nil, fmt.Errorf("%w: resend %s for message %q", ErrNoRecipient, p.Type, p.Data.EmailID)
	}

	var ts string
	if c := p.Data.Click; c != nil {
		setIf(ev.Metadata, "link", c.Link)
		setIf(ev.Metadata, "ip", c.IPAddress)
		setIf(ev.Metadata, "user_agent", c.UserAgent)
		ts = c.Timestamp
	}
	if o := p.Data.Open; o != nil {
		setIf(ev.Metadata, "ip", o.IPAddress)
		setIf(ev.Metadata, "user_agent", o.UserAgent)
		ts = o.Timestamp
	}
	if b := p.Data.Bounce; b != nil {
		setIf(ev.Metadata, "bounce_type", b.Type)
		setIf(ev.Metadata, "bounce_sub_type", b.SubType)
		setIf(ev.Metadata, "bounce_message", b.Message)
	}
	if s := p.Data.Suppressed; s != nil {
		setIf(ev.Metadata, "suppression_reason", s.Message)
		setIf(ev.Metadata, "suppression_type", s.Type)
	}
	if f := p.Data.Failed; f != nil {
		setIf(ev.Metadata, "failure_reason", f.Reason)
	}
	ev.OccurredAt = parseTime(ts, p.CreatedAt, p.Data.CreatedAt)
	return ev, nil
}
