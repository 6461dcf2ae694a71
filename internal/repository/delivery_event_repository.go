package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/unclebandit/mailtrack-backend/internal/model"
)

const eventColumns = `
	id, tenant_id, campaign_id, COALESCE(send_intent_id::text, '') AS send_intent_id,
	recipient_email, event_type,
	COALESCE(provider_message_id, '') AS provider_message_id,
	COALESCE(provider_event_id, '') AS provider_event_id,
	metadata, occurred_at, superseded_at, created_at`

func (r *LedgerRepository) getEvent(ctx context.Context, query string, args ...any) (*model.DeliveryEvent, error) {
	var ev model.DeliveryEvent
	err := conn(ctx, r.DB).GetContext(ctx, &ev, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *LedgerRepository) FindEventByProviderEventID(ctx context.Context, providerEventID string) (*model.DeliveryEvent, error) {
	return r.getEvent(ctx, `SELECT `+eventColumns+` FROM delivery_events WHERE provider_event_id = $1`, providerEventID)
}

// FindOneTimeEvent looks up an existing event by provider message id and
// type, then by campaign, recipient and type.
func (r *LedgerRepository) FindOneTimeEvent(ctx context.Context, campaignID, email, providerMessageID string, eventType model.EventType) (*model.DeliveryEvent, error) {
	if providerMessageID != "" {
		ev, err := r.getEvent(ctx, `
			SELECT `+eventColumns+`
			FROM delivery_events
			WHERE provider_message_id = $1 AND event_type = $2 AND superseded_at IS NULL
			LIMIT 1
		`, providerMessageID, eventType)
		if err != nil || ev != nil {
			return ev, err
		}
	}
	return r.getEvent(ctx, `
		SELECT `+eventColumns+`
		FROM delivery_events
		WHERE campaign_id = $1 AND recipient_email = $2 AND event_type = $3 AND superseded_at IS NULL
		LIMIT 1
	`, campaignID, email, eventType)
}

// InsertEvent reports false when a unique index rejected the event as a
// duplicate.
func (r *LedgerRepository) InsertEvent(ctx context.Context, ev *model.DeliveryEvent) (bool, error) {
	res, err := conn(ctx, r.DB).ExecContext(ctx, `
		INSERT INTO delivery_events
		(id, tenant_id, campaign_id, send_intent_id, recipient_email, event_type,
		 provider_message_id, provider_event_id, metadata, occurred_at, created_at)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11)
		ON CONFLICT DO NOTHING
	`,
		ev.ID, ev.TenantID, ev.CampaignID, ev.SendIntentID, ev.RecipientEmail, ev.EventType,
		ev.ProviderMessageID, ev.ProviderEventID, ev.Metadata, ev.OccurredAt, ev.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return affected(res)
}

func (r *LedgerRepository) ListEvents(ctx context.Context, f EventFilter) ([]model.DeliveryEvent, int, error) {
	types := make([]string, 0, len(f.Types))
	for _, t := range f.Types {
		types = append(types, string(t))
	}

	var total int
	err := conn(ctx, r.DB).GetContext(ctx, &total, `
		SELECT COUNT(*) FROM delivery_events
		WHERE campaign_id = $1 AND superseded_at IS NULL
		  AND (cardinality($2::text[]) = 0 OR event_type = ANY($2))
	`, f.CampaignID, pq.Array(types))
	if err != nil {
		return nil, 0, err
	}

	events := []model.DeliveryEvent{}
	err = conn(ctx, r.DB).SelectContext(ctx, &events, `
		SELECT `+eventColumns+`
		FROM delivery_events
		WHERE campaign_id = $1 AND superseded_at IS NULL
		  AND (cardinality($2::text[]) = 0 OR event_type = ANY($2))
		ORDER BY occurred_at, created_at
		LIMIT $3 OFFSET $4
	`, f.CampaignID, pq.Array(types), f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (r *LedgerRepository) ListEventsForIntent(ctx context.Context, intentID string) ([]model.DeliveryEvent, error) {
	if _, err := uuid.Parse(intentID); err != nil {
		return []model.DeliveryEvent{}, nil
	}
	events := []model.DeliveryEvent{}
	err := conn(ctx, r.DB).SelectContext(ctx, &events, `
		SELECT `+eventColumns+`
		FROM delivery_events
		WHERE send_intent_id = $1
		ORDER BY occurred_at, created_at
	`, intentID)
	return events, err
}
