package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/mailtrack-backend/internal/model"
)

type StatsRepositoryInterface interface {
	// Counters
	InitCampaign(ctx context.Context, tenantID, campaignID string, total int, at time.Time) error
	CompleteCampaign(ctx context.Context, campaignID string, at time.Time) error
	GetStats(ctx context.Context, campaignID string) (*model.CampaignStats, error)
	ListStats(ctx context.Context, tenantID string, offset, limit int) ([]model.CampaignStats, int, error)

	// Delta outbox
	EnqueueDelta(ctx context.Context, d *model.StatsDelta) error
	ApplyDelta(ctx context.Context, d *model.StatsDelta, at time.Time) (bool, error)
	PendingDeltas(ctx context.Context, limit int) ([]model.StatsDelta, error)
}

type StatsRepository struct {
	DB *sqlx.DB
}

var _ StatsRepositoryInterface = (*StatsRepository)(nil)

// InitCampaign creates or resets the stats row: every counter is zeroed,
// queued is set to total and unapplied deltas of an earlier run are retired.
func (r *StatsRepository) InitCampaign(ctx context.Context, tenantID, campaignID string, total int, at time.Time) error {
	return withTx(ctx, r.DB, func(ctx context.Context) error {
		_, err := conn(ctx, r.DB).ExecContext(ctx, `
			INSERT INTO campaign_stats (campaign_id, tenant_id, status, total_recipients, queued, started_at, updated_at)
			VALUES ($1, $2, 'sending', $3, $3, $4, $4)
			ON CONFLICT (campaign_id) DO UPDATE SET
				tenant_id = EXCLUDED.tenant_id, status = 'sending',
				total_recipients = EXCLUDED.total_recipients, queued = EXCLUDED.queued,
				sent = 0, delivered = 0, opened = 0, unique_opens = 0, clicked = 0, unique_clicks = 0,
				bounced = 0, complained = 0, failed = 0, suppressed = 0, unsubscribed = 0,
				started_at = EXCLUDED.started_at, completed_at = NULL, last_event_at = NULL,
				updated_at = EXCLUDED.updated_at
		`, campaignID, tenantID, total, at)
		if err != nil {
			return err
		}
		_, err = conn(ctx, r.DB).ExecContext(ctx,
			`UPDATE stats_deltas SET applied_at = $2 WHERE campaign_id = $1 AND applied_at IS NULL`,
			campaignID, at)
		return err
	})
}

func (r *StatsRepository) CompleteCampaign(ctx context.Context, campaignID string, at time.Time) error {
	_, err := conn(ctx, r.DB).ExecContext(ctx, `
		UPDATE campaign_stats
		SET status = 'completed', queued = 0, completed_at = $2, updated_at = $2
		WHERE campaign_id = $1
	`, campaignID, at)
	return err
}

func (r *StatsRepository) GetStats(ctx context.Context, campaignID string) (*model.CampaignStats, error) {
	var s model.CampaignStats
	err := conn(ctx, r.DB).GetContext(ctx, &s, `SELECT * FROM campaign_stats WHERE campaign_id = $1`, campaignID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *StatsRepository) ListStats(ctx context.Context, tenantID string, offset, limit int) ([]model.CampaignStats, int, error) {
	var total int
	if err := conn(ctx, r.DB).GetContext(ctx, &total,
		`SELECT COUNT(*) FROM campaign_stats WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, 0, err
	}

	stats := []model.CampaignStats{}
	err := conn(ctx, r.DB).SelectContext(ctx, &stats, `
		SELECT * FROM campaign_stats
		WHERE tenant_id = $1
		ORDER BY started_at DESC, campaign_id
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return stats, total, nil
}

// EnqueueDelta writes the delta to the outbox. Re-enqueueing the same id is
// a no-op.
func (r *StatsRepository) EnqueueDelta(ctx context.Context, d *model.StatsDelta) error {
	_, err := conn(ctx, r.DB).ExecContext(ctx, `
		INSERT INTO stats_deltas (id, tenant_id, campaign_id, deltas, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, d.ID, d.TenantID, d.CampaignID, d.Deltas, d.CreatedAt)
	return err
}

// ApplyDelta claims the delta and folds it into campaign_stats in one
// transaction. It reports false when the delta was already applied.
func (r *StatsRepository) ApplyDelta(ctx context.Context, d *model.StatsDelta, at time.Time) (bool, error) {
	fields := make([]string, 0, len(d.Deltas))
	for f := range d.Deltas {
		if !f.Valid() {
			return false, fmt.Errorf("unknown stats field %q", f)
		}
		fields = append(fields, string(f))
	}
	sort.Strings(fields)

	created := d.CreatedAt
	if created.IsZero() {
		created = at
	}

	applied := false
	err := withTx(ctx, r.DB, func(ctx context.Context) error {
		var id string
		err := conn(ctx, r.DB).GetContext(ctx, &id, `
			INSERT INTO stats_deltas (id, tenant_id, campaign_id, deltas, created_at, applied_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET applied_at = EXCLUDED.applied_at
			WHERE stats_deltas.applied_at IS NULL
			RETURNING id
		`, d.ID, d.TenantID, d.CampaignID, d.Deltas, created, at)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := conn(ctx, r.DB).ExecContext(ctx, `
			INSERT INTO campaign_stats (campaign_id, tenant_id, status, started_at, updated_at)
			VALUES ($1, $2, 'sending', $3, $3)
			ON CONFLICT (campaign_id) DO NOTHING
		`, d.CampaignID, d.TenantID, at); err != nil {
			return err
		}

		sets := []string{}
		args := []interface{}{}
		argPos := 1
		for _, f := range fields {
			sets = append(sets, fmt.Sprintf("%s = GREATEST(%s + $%d, 0)", f, f, argPos))
			args = append(args, d.Deltas[model.StatField(f)])
			argPos++
		}
		sets = append(sets, fmt.Sprintf("last_event_at = $%d, updated_at = $%d", argPos, argPos))
		args = append(args, at)
		argPos++

		query := fmt.Sprintf("UPDATE campaign_stats SET %s WHERE campaign_id = $%d", strings.Join(sets, ", "), argPos)
		args = append(args, d.CampaignID)
		if _, err := conn(ctx, r.DB).ExecContext(ctx, query, args...); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *StatsRepository) PendingDeltas(ctx context.Context, limit int) ([]model.StatsDelta, error) {
	deltas := []model.StatsDelta{}
	err := conn(ctx, r.DB).SelectContext(ctx, &deltas, `
		SELECT id, tenant_id, campaign_id, deltas, created_at, applied_at
		FROM stats_deltas
		WHERE applied_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	return deltas, err
}
