package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/unclebandit/mailtrack-backend/internal/model"
)

var postmarkRecordTypes = map[string]model.EventType{
	"Sent":          model.EventSent,
	"Delivery":      model.EventDelivered,
	"Delivered":     model.EventDelivered,
	"Bounce":        model.EventBounced,
	"SpamComplaint": model.EventComplained,
	"Open":          model.EventOpened,
	"Click":         model.EventClicked,
}

type postmarkPayload struct {
	RecordType        string `json:"RecordType"`
	MessageID         string `json:"MessageID"`
	Recipient         string `json:"Recipient"`
	Email             string `json:"Email"`
	Tag               string `json:"Tag"`
	DeliveredAt       string `json:"DeliveredAt"`
	BouncedAt         string `json:"BouncedAt"`
	ReceivedAt        string `json:"ReceivedAt"`
	ChangedAt         string `json:"ChangedAt"`
	Type              string `json:"Type"`
	Description       string `json:"Description"`
	Details           string `json:"Details"`
	OriginalLink      string `json:"OriginalLink"`
	UserAgent         string `json:"UserAgent"`
	SuppressSending   bool   `json:"SuppressSending"`
	SuppressionReason string `json:"SuppressionReason"`
	Geo               *struct {
		IP string `json:"IP"`
	} `json:"Geo"`
}

type PostmarkNormalizer struct{}

func (PostmarkNormalizer) Provider() string { return "postmark" }

func (n PostmarkNormalizer) Normalize(raw []byte) (*Event, error) {
	var p postmarkPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	eventType, ok := postmarkRecordTypes[p.RecordType]
	if p.RecordType == "SubscriptionChange" {
		// resubscribes are not lifecycle events
		ok = p.SuppressSending
		eventType = model.EventUnsubscribed
	}
	if !ok {
		return nil, fmt.Errorf("%w: postmark %q", ErrUnknownEventType, p.RecordType)
	}

	recipient := normalizeAddress(p.Recipient)
	if recipient == "" {
		recipient = normalizeAddress(p.Email)
	}
	if recipient == "" {
		return nil, fmt.Errorf("%w: postmark %s for message %q", ErrNoRecipient, p.RecordType, p.MessageID)
	}

	ev := &Event{
		Provider:          n.Provider(),
		NativeType:        p.RecordType,
		Type:              eventType,
		RecipientEmail:    recipient,
		ProviderMessageID: p.MessageID,
		OccurredAt:        parseTime(p.DeliveredAt, p.BouncedAt, p.ReceivedAt, p.ChangedAt),
		Metadata:          model.Metadata{"native_type": p.RecordType},
	}
	setIf(ev.Metadata, "tag", p.Tag)
	setIf(ev.Metadata, "link", p.OriginalLink)
	setIf(ev.Metadata, "user_agent", p.UserAgent)
	if p.Geo != nil {
		setIf(ev.Metadata, "ip", p.Geo.IP)
	}
	if eventType == model.EventBounced {
		setIf(ev.Metadata, "bounce_type", p.Type)
		setIf(ev.Metadata, "bounce_message", p.Description)
		setIf(ev.Metadata, "bounce_details", p.Details)
	}
	setIf(ev.Metadata, "suppression_reason", p.SuppressionReason)
	return ev, nil
}
