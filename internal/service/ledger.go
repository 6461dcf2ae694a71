package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
	"github.com/unclebandit/mailtrack-backend/internal/model"
	"github.com/unclebandit/mailtrack-backend/internal/repository"
)

// EventLedger is the only writer of send intents and delivery events. Every
// write commits together with the stats delta it causes.
type EventLedger struct {
	Repo  repository.LedgerRepositoryInterface
	Tx    repository.TransactionManager
	Stats *StatsAggregator
	Now   func() time.Time
}

func NewEventLedger(repo repository.LedgerRepositoryInterface, tx repository.TransactionManager, stats *StatsAggregator) *EventLedger {
	return &EventLedger{
		Repo:  repo,
		Tx:    tx,
		Stats: stats,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// IntentParams describes the dispatch outcome for one recipient. ID may be
// preset so content rendered before the send can reference the intent.
type IntentParams struct {
	ID                string
	TenantID          string
	CampaignID        string
	BatchID           string
	RecipientEmail    string
	RecipientID       string
	RecipientName     string
	Status            model.SendStatus
	ProviderMessageID string
	Error             string
}

type EventParams struct {
	TenantID          string
	CampaignID        string
	RecipientEmail    string
	EventType         model.EventType
	ProviderMessageID string
	ProviderEventID   string
	Metadata          model.Metadata
	OccurredAt        time.Time
}

// RecordIntent creates the send intent for a recipient, or returns the live
// one unchanged apart from filling in a missing provider message id.
func (l *EventLedger) RecordIntent(ctx context.Context, p IntentParams) (*model.SendIntent, error) {
	email := normalizeEmail(p.RecipientEmail)
	if p.CampaignID == "" || email == "" {
		return nil, fmt.Errorf("%w: campaign and recipient are required", appErrors.ErrInvalidDispatch)
	}
	status := p.Status
	if status == "" {
		status = model.SendStatusQueued
	}
	switch status {
	case model.SendStatusQueued, model.SendStatusSent, model.SendStatusFailed, model.SendStatusSuppressed:
	default:
		return nil, fmt.Errorf("%w: intent cannot start as %s", appErrors.ErrInvalidDispatch, status)
	}

	var result *model.SendIntent
	err := l.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		existing, err := l.Repo.GetIntent(ctx, p.CampaignID, email)
		if err != nil {
			return err
		}
		if existing != nil {
			result, err = l.patchIntent(ctx, existing, p.ProviderMessageID)
			return err
		}

		now := l.now()
		intent := &model.SendIntent{
			ID:                p.ID,
			TenantID:          p.TenantID,
			CampaignID:        p.CampaignID,
			BatchID:           p.BatchID,
			RecipientEmail:    email,
			RecipientID:       p.RecipientID,
			RecipientName:     p.RecipientName,
			ProviderMessageID: p.ProviderMessageID,
			Status:            status,
			Error:             p.Error,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if intent.ID == "" {
			intent.ID = uuid.NewString()
		}
		if status == model.SendStatusSent {
			intent.SentAt = &now
		}

		inserted, err := l.Repo.InsertIntent(ctx, intent)
		if err != nil {
			return fmt.Errorf("insert send intent: %w", err)
		}
		if !inserted {
			existing, err := l.Repo.GetIntent(ctx, p.CampaignID, email)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("send intent for %s in campaign %s conflicted but was not found", email, p.CampaignID)
			}
			result, err = l.patchIntent(ctx, existing, p.ProviderMessageID)
			return err
		}

		meta := model.Metadata{}
		if p.Error != "" {
			meta["error"] = p.Error
		}
		ev := &model.DeliveryEvent{
			ID:                uuid.NewString(),
			TenantID:          intent.TenantID,
			CampaignID:        intent.CampaignID,
			SendIntentID:      intent.ID,
			RecipientEmail:    email,
			EventType:         model.EventType(status),
			ProviderMessageID: intent.ProviderMessageID,
			Metadata:          meta,
			OccurredAt:        now,
			CreatedAt:         now,
		}
		if _, err := l.Repo.InsertEvent(ctx, ev); err != nil {
			return fmt.Errorf("insert %s event: %w", ev.EventType, err)
		}

		deltas := model.Deltas{}
		moveBucket(deltas, model.SendStatusQueued, status)
		if !deltas.Empty() {
			if err := l.Stats.Schedule(ctx, &model.StatsDelta{
				ID:         fmt.Sprintf("intent:%s:%s", intent.ID, status),
				TenantID:   intent.TenantID,
				CampaignID: intent.CampaignID,
				Deltas:     deltas,
			}); err != nil {
				return err
			}
		}
		result = intent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (l *EventLedger) patchIntent(ctx context.Context, in *model.SendIntent, providerMessageID string) (*model.SendIntent, error) {
	if in.ProviderMessageID != "" || providerMessageID == "" {
		return in, nil
	}
	locked, err := l.Repo.LockIntent(ctx, in.ID)
	if err != nil {
		return nil, fmt.Errorf("lock send intent: %w", err)
	}
	if locked == nil || locked.ProviderMessageID != "" {
		return in, nil
	}
	in = locked
	in.ProviderMessageID = providerMessageID
	in.UpdatedAt = l.now()
	if err := l.Repo.UpdateIntent(ctx, in); err != nil {
		return nil, fmt.Errorf("patch provider message id: %w", err)
	}
	return in, nil
}

// RecordEvent stores one lifecycle event and moves the owning intent through
// its state machine. Redelivered provider events and repeated one-time events
// return the stored event without touching the intent or the counters.
// Events that match no intent are kept as orphans and change no counters.
// Provider reports about a send that failed or was suppressed are refused
// with ErrEventRejected.
func (l *EventLedger) RecordEvent(ctx context.Context, p EventParams) (*model.DeliveryEvent, error) {
	email := normalizeEmail(p.RecipientEmail)
	if p.CampaignID == "" || email == "" {
		return nil, fmt.Errorf("%w: campaign and recipient are required", appErrors.ErrInvalidDispatch)
	}
	if !p.EventType.Valid() {
		return nil, fmt.Errorf("%w: unknown event type %q", appErrors.ErrInvalidDispatch, p.EventType)
	}

	logger := log.With().
		Str("campaign_id", p.CampaignID).
		Str("recipient", email).
		Str("event_type", string(p.EventType)).
		Logger()

	var result *model.DeliveryEvent
	err := l.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		existing, err := l.findDuplicate(ctx, p.CampaignID, email, p.ProviderMessageID, p.ProviderEventID, p.EventType)
		if err != nil {
			return err
		}
		if existing != nil {
			logger.Debug().Str("event_id", existing.ID).Msg("duplicate event ignored")
			result = existing
			return nil
		}

		intent, err := l.resolveIntent(ctx, p.CampaignID, email, p.ProviderMessageID)
		if err != nil {
			return err
		}
		if intent != nil {
			// concurrent events for one recipient apply one after another
			if intent, err = l.Repo.LockIntent(ctx, intent.ID); err != nil {
				return fmt.Errorf("lock send intent: %w", err)
			}
		}
		if intent != nil && !accepts(intent.Status, p.EventType) {
			logger.Debug().Str("status", string(intent.Status)).Msg("event refused by send status")
			return fmt.Errorf("%w: %s on a %s send", appErrors.ErrEventRejected, p.EventType, intent.Status)
		}

		now := l.now()
		occurred := p.OccurredAt
		if occurred.IsZero() {
			occurred = now
		}
		ev := &model.DeliveryEvent{
			ID:                uuid.NewString(),
			TenantID:          p.TenantID,
			CampaignID:        p.CampaignID,
			RecipientEmail:    email,
			EventType:         p.EventType,
			ProviderMessageID: p.ProviderMessageID,
			ProviderEventID:   p.ProviderEventID,
			Metadata:          p.Metadata,
			OccurredAt:        occurred.UTC(),
			CreatedAt:         now,
		}
		if ev.Metadata == nil {
			ev.Metadata = model.Metadata{}
		}
		if intent != nil {
			ev.SendIntentID = intent.ID
			if ev.TenantID == "" {
				ev.TenantID = intent.TenantID
			}
			if ev.ProviderMessageID == "" {
				ev.ProviderMessageID = intent.ProviderMessageID
			}
		}

		inserted, err := l.Repo.InsertEvent(ctx, ev)
		if err != nil {
			return fmt.Errorf("insert %s event: %w", ev.EventType, err)
		}
		if !inserted {
			// lost a race against an identical event
			result, err = l.findDuplicate(ctx, p.CampaignID, email, ev.ProviderMessageID, p.ProviderEventID, p.EventType)
			return err
		}
		result = ev

		if intent == nil {
			logger.Info().Msg("event stored without a send intent")
			return nil
		}

		deltas := applyTransition(intent, p.EventType, ev.OccurredAt)
		intent.UpdatedAt = now
		if err := l.Repo.UpdateIntent(ctx, intent); err != nil {
			return fmt.Errorf("update send intent: %w", err)
		}
		if deltas.Empty() {
			return nil
		}
		return l.Stats.Schedule(ctx, &model.StatsDelta{
			ID:         "event:" + ev.ID,
			TenantID:   intent.TenantID,
			CampaignID: intent.CampaignID,
			Deltas:     deltas,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordIntentEvent records an event against a known intent, as the open and
// click tracking endpoints do.
func (l *EventLedger) RecordIntentEvent(ctx context.Context, intentID string, eventType model.EventType, meta model.Metadata) (*model.DeliveryEvent, error) {
	intent, err := l.Repo.GetIntentByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent == nil || intent.SupersededAt != nil {
		return nil, appErrors.NewSendIntentNotFound(intentID)
	}
	return l.RecordEvent(ctx, EventParams{
		TenantID:          intent.TenantID,
		CampaignID:        intent.CampaignID,
		RecipientEmail:    intent.RecipientEmail,
		EventType:         eventType,
		ProviderMessageID: intent.ProviderMessageID,
		Metadata:          meta,
	})
}

// ResetCampaign retires the intents and events of an earlier dispatch of the
// campaign so a re-dispatch starts from a clean ledger.
func (l *EventLedger) ResetCampaign(ctx context.Context, campaignID string) error {
	if err := l.Repo.SupersedeCampaign(ctx, campaignID, l.now()); err != nil {
		return fmt.Errorf("supersede campaign %s: %w", campaignID, err)
	}
	return nil
}

func (l *EventLedger) findDuplicate(ctx context.Context, campaignID, email, providerMessageID, providerEventID string, t model.EventType) (*model.DeliveryEvent, error) {
	if providerEventID != "" {
		ev, err := l.Repo.FindEventByProviderEventID(ctx, providerEventID)
		if err != nil || ev != nil {
			return ev, err
		}
	}
	if t.Repeatable() {
		return nil, nil
	}
	return l.Repo.FindOneTimeEvent(ctx, campaignID, email, providerMessageID, t)
}

// resolveIntent prefers an exact provider message id match, then falls back to
// the live intent of the recipient in the campaign.
func (l *EventLedger) resolveIntent(ctx context.Context, campaignID, email, providerMessageID string) (*model.SendIntent, error) {
	if providerMessageID != "" {
		in, err := l.Repo.FindIntentByProviderMessageID(ctx, providerMessageID)
		if err != nil {
			return nil, err
		}
		if in != nil && in.CampaignID == campaignID {
			return in, nil
		}
	}
	return l.Repo.FindLatestIntent(ctx, campaignID, email)
}

func (l *EventLedger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}
