package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/unclebandit/mailtrack-backend/internal/model"
)

// IntentFilter selects live intents of one campaign. An empty Statuses
// matches every status.
type IntentFilter struct {
	CampaignID string
	Statuses   []model.SendStatus
	Offset     int
	Limit      int
}

type EventFilter struct {
	CampaignID string
	Types      []model.EventType
	Offset     int
	Limit      int
}

// LedgerRepositoryInterface stores send intents and their delivery events.
// Lookups return (nil, nil) when nothing matches.
type LedgerRepositoryInterface interface {
	// Send intents
	GetIntent(ctx context.Context, campaignID, email string) (*model.SendIntent, error)
	GetIntentByID(ctx context.Context, id string) (*model.SendIntent, error)
	// LockIntent re-reads an intent and holds it until the surrounding
	// transaction ends.
	LockIntent(ctx context.Context, id string) (*model.SendIntent, error)
	FindIntentByProviderMessageID(ctx context.Context, providerMessageID string) (*model.SendIntent, error)
	FindLatestIntent(ctx context.Context, campaignID, email string) (*model.SendIntent, error)
	InsertIntent(ctx context.Context, intent *model.SendIntent) (bool, error)
	UpdateIntent(ctx context.Context, intent *model.SendIntent) error
	ListIntents(ctx context.Context, f IntentFilter) ([]model.SendIntent, int, error)
	CountIntentsByStatus(ctx context.Context, campaignID string) (map[model.SendStatus]int, error)
	SupersedeCampaign(ctx context.Context, campaignID string, at time.Time) error

	// Delivery events
	FindEventByProviderEventID(ctx context.Context, providerEventID string) (*model.DeliveryEvent, error)
	FindOneTimeEvent(ctx context.Context, campaignID, email, providerMessageID string, eventType model.EventType) (*model.DeliveryEvent, error)
	InsertEvent(ctx context.Context, ev *model.DeliveryEvent) (bool, error)
	ListEvents(ctx context.Context, f EventFilter) ([]model.DeliveryEvent, int, error)
	ListEventsForIntent(ctx context.Context, intentID string) ([]model.DeliveryEvent, error)
}

type LedgerRepository struct {
	DB *sqlx.DB
}

var _ LedgerRepositoryInterface = (*LedgerRepository)(nil)

const intentColumns = `
	id, tenant_id, campaign_id, batch_id, recipient_email,
	COALESCE(recipient_id, '') AS recipient_id, recipient_name,
	COALESCE(provider_message_id, '') AS provider_message_id,
	status, COALESCE(error, '') AS error,
	sent_at, delivered_at, first_opened_at, last_opened_at, first_clicked_at,
	open_count, click_count, superseded_at, created_at, updated_at`

func (r *LedgerRepository) getIntent(ctx context.Context, query string, args ...any) (*model.SendIntent, error) {
	var intent model.SendIntent
	err := conn(ctx, r.DB).GetContext(ctx, &intent, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (r *LedgerRepository) GetIntent(ctx context.Context, campaignID, email string) (*model.SendIntent, error) {
	return r.getIntent(ctx, `
		SELECT `+intentColumns+`
		FROM send_intents
		WHERE campaign_id = $1 AND recipient_email = $2 AND superseded_at IS NULL
	`, campaignID, email)
}

func (r *LedgerRepository) GetIntentByID(ctx context.Context, id string) (*model.SendIntent, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return r.getIntent(ctx, `SELECT `+intentColumns+` FROM send_intents WHERE id = $1`, id)
}

func (r *LedgerRepository) LockIntent(ctx context.Context, id string) (*model.SendIntent, error) {
	return r.getIntent(ctx, `SELECT `+intentColumns+` FROM send_intents WHERE id = $1 FOR UPDATE`, id)
}

func (r *LedgerRepository) FindIntentByProviderMessageID(ctx context.Context, providerMessageID string) (*model.SendIntent, error) {
	return r.getIntent(ctx, `
		SELECT `+intentColumns+`
		FROM send_intents
		WHERE provider_message_id = $1 AND superseded_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, providerMessageID)
}

// FindLatestIntent returns the newest live intent for email, limited to
// campaignID unless it is empty.
func (r *LedgerRepository) FindLatestIntent(ctx context.Context, campaignID, email string) (*model.SendIntent, error) {
	return r.getIntent(ctx, `
		SELECT `+intentColumns+`
		FROM send_intents
		WHERE recipient_email = $1 AND superseded_at IS NULL AND ($2 = '' OR campaign_id = $2)
		ORDER BY created_at DESC
		LIMIT 1
	`, email, campaignID)
}

// InsertIntent reports false when a live intent for the same campaign and
// recipient already exists.
func (r *LedgerRepository) InsertIntent(ctx context.Context, in *model.SendIntent) (bool, error) {
	res, err := conn(ctx, r.DB).ExecContext(ctx, `
		INSERT INTO send_intents
		(id, tenant_id, campaign_id, batch_id, recipient_email, recipient_id, recipient_name,
		 provider_message_id, status, error, sent_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9, NULLIF($10, ''), $11, $12, $13)
		ON CONFLICT DO NOTHING
	`,
		in.ID, in.TenantID, in.CampaignID, in.BatchID, in.RecipientEmail, in.RecipientID, in.RecipientName,
		in.ProviderMessageID, in.Status, in.Error, in.SentAt, in.CreatedAt, in.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return affected(res)
}

func (r *LedgerRepository) UpdateIntent(ctx context.Context, in *model.SendIntent) error {
	_, err := conn(ctx, r.DB).ExecContext(ctx, `
		UPDATE send_intents
		SET provider_message_id = NULLIF($1, ''), status = $2, error = NULLIF($3, ''),
		    sent_at = $4, delivered_at = $5, first_opened_at = $6, last_opened_at = $7,
		    first_clicked_at = $8, open_count = $9, click_count = $10, updated_at = $11
		WHERE id = $12
	`,
		in.ProviderMessageID, in.Status, in.Error,
		in.SentAt, in.DeliveredAt, in.FirstOpenedAt, in.LastOpenedAt,
		in.FirstClickedAt, in.OpenCount, in.ClickCount, in.UpdatedAt,
		in.ID,
	)
	return err
}

func (r *LedgerRepository) ListIntents(ctx context.Context, f IntentFilter) ([]model.SendIntent, int, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}

	var total int
	err := conn(ctx, r.DB).GetContext(ctx, &total, `
		SELECT COUNT(*) FROM send_intents
		WHERE campaign_id = $1 AND superseded_at IS NULL
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
	`, f.CampaignID, pq.Array(statuses))
	if err != nil {
		return nil, 0, err
	}

	intents := []model.SendIntent{}
	err = conn(ctx, r.DB).SelectContext(ctx, &intents, `
		SELECT `+intentColumns+`
		FROM send_intents
		WHERE campaign_id = $1 AND superseded_at IS NULL
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at, id
		LIMIT $3 OFFSET $4
	`, f.CampaignID, pq.Array(statuses), f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	return intents, total, nil
}

func (r *LedgerRepository) CountIntentsByStatus(ctx context.Context, campaignID string) (map[model.SendStatus]int, error) {
	rows := []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}{}
	err := conn(ctx, r.DB).SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS count
		FROM send_intents
		WHERE campaign_id = $1 AND superseded_at IS NULL
		GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, err
	}

	counts := make(map[model.SendStatus]int, len(rows))
	for _, row := range rows {
		counts[model.SendStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// SupersedeCampaign retires every live intent and event of a campaign so a
// fresh run starts from an empty ledger.
func (r *LedgerRepository) SupersedeCampaign(ctx context.Context, campaignID string, at time.Time) error {
	return withTx(ctx, r.DB, func(ctx context.Context) error {
		if _, err := conn(ctx, r.DB).ExecContext(ctx,
			`UPDATE delivery_events SET superseded_at = $2 WHERE campaign_id = $1 AND superseded_at IS NULL`,
			campaignID, at); err != nil {
			return err
		}
		_, err := conn(ctx, r.DB).ExecContext(ctx,
			`UPDATE send_intents SET superseded_at = $2, updated_at = $2 WHERE campaign_id = $1 AND superseded_at IS NULL`,
			campaignID, at)
		return err
	})
}
