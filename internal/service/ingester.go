package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
	"github.com/unclebandit/mailtrack-backend/internal/model"
	"github.com/unclebandit/mailtrack-backend/internal/webhook"
)

// WebhookIngester feeds provider webhooks into the ledger. Payloads it cannot
// use are logged and dropped; only storage failures are returned, so the
// provider redelivers those.
type WebhookIngester struct {
	Registry *webhook.Registry
	Ledger   *EventLedger
}

func NewWebhookIngester(registry *webhook.Registry, ledger *EventLedger) *WebhookIngester {
	return &WebhookIngester{Registry: registry, Ledger: ledger}
}

func (i *WebhookIngester) Ingest(ctx context.Context, providerName string, raw []byte) error {
	return i.IngestDelivery(ctx, providerName, raw, "")
}

// IngestDelivery is Ingest with the provider's delivery id, used to drop
// redelivered webhooks. Without one the payload hash identifies the delivery.
func (i *WebhookIngester) IngestDelivery(ctx context.Context, providerName string, raw []byte, deliveryID string) (err error) {
	logger := log.With().Str("provider", providerName).Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("webhook ingestion panicked")
			err = nil
		}
	}()

	n, ok := i.Registry.Get(providerName)
	if !ok {
		logger.Warn().Msg("no normalizer registered for provider, dropping webhook")
		return nil
	}

	ev, err := n.Normalize(raw)
	if err != nil {
		if errors.Is(err, webhook.ErrUnknownEventType) {
			logger.Info().Err(err).Msg("unmapped webhook event dropped")
			return nil
		}
		logger.Warn().Err(err).Msg("⚠️ malformed webhook payload dropped")
		return nil
	}
	logger = logger.With().
		Str("event_type", string(ev.Type)).
		Str("recipient", ev.RecipientEmail).
		Str("provider_message_id", ev.ProviderMessageID).
		Logger()

	intent, err := i.resolve(ctx, ev)
	if err != nil {
		logger.Error().Err(err).Msg("❌ failed to resolve send intent for webhook")
		return fmt.Errorf("resolve send intent: %w", err)
	}
	if intent == nil {
		logger.Info().Msg("no send intent matches webhook, dropping")
		return nil
	}

	recipient := ev.RecipientEmail
	if intent.ProviderMessageID != "" && intent.ProviderMessageID == ev.ProviderMessageID {
		recipient = intent.RecipientEmail
	}

	if deliveryID == "" {
		deliveryID = payloadHash(raw)
	}
	stored, err := i.Ledger.RecordEvent(ctx, EventParams{
		TenantID:          intent.TenantID,
		CampaignID:        intent.CampaignID,
		RecipientEmail:    recipient,
		EventType:         ev.Type,
		ProviderMessageID: ev.ProviderMessageID,
		ProviderEventID:   fmt.Sprintf("%s:%s", n.Provider(), deliveryID),
		Metadata:          ev.Metadata,
		OccurredAt:        ev.OccurredAt,
	})
	switch {
	case errors.Is(err, appErrors.ErrEventRejected), errors.Is(err, appErrors.ErrInvalidDispatch):
		logger.Info().Err(err).Msg("webhook event does not apply, dropping")
		return nil
	case err != nil:
		logger.Error().Err(err).Msg("❌ failed to record webhook event")
		return fmt.Errorf("record webhook event: %w", err)
	}
	logger.Debug().Str("event_id", stored.ID).Str("campaign_id", intent.CampaignID).Msg("webhook event recorded")
	return nil
}

// resolve finds the intent an event belongs to: by provider message id, then
// by the recipient's most recent live intent in any campaign.
func (i *WebhookIngester) resolve(ctx context.Context, ev *webhook.Event) (*model.SendIntent, error) {
	if ev.ProviderMessageID != "" {
		in, err := i.Ledger.Repo.FindIntentByProviderMessageID(ctx, ev.ProviderMessageID)
		if err != nil || in != nil {
			return in, err
		}
	}
	if ev.RecipientEmail == "" {
		return nil, nil
	}
	return i.Ledger.Repo.FindLatestIntent(ctx, "", normalizeEmail(ev.RecipientEmail))
}

func payloadHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
