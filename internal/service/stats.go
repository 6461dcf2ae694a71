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

// StatsAggregator owns campaign_stats. Ledger writes never touch the row
// directly; they schedule deltas which are applied later, once each.
type StatsAggregator struct {
	Repo repository.StatsRepositoryInterface
	Now  func() time.Time

	wake chan struct{}
}

func NewStatsAggregator(repo repository.StatsRepositoryInterface) *StatsAggregator {
	return &StatsAggregator{
		Repo: repo,
		Now:  func() time.Time { return time.Now().UTC() },
		wake: make(chan struct{}, 1),
	}
}

// InitCampaign starts a campaign with every recipient queued. Calling it again
// for the same campaign resets all counters.
func (a *StatsAggregator) InitCampaign(ctx context.Context, tenantID, campaignID string, total int) error {
	if campaignID == "" {
		return fmt.Errorf("%w: campaign_id is required", appErrors.ErrInvalidDispatch)
	}
	if total < 0 {
		total = 0
	}
	if err := a.Repo.InitCampaign(ctx, tenantID, campaignID, total, a.now()); err != nil {
		return fmt.Errorf("init stats for campaign %s: %w", campaignID, err)
	}
	log.Info().Str("campaign_id", campaignID).Int("total", total).Msg("campaign stats initialized")
	return nil
}

// Schedule writes d to the delta outbox. Inside a ledger transaction the
// delta commits with the ledger rows. Waiting workers are nudged.
func (a *StatsAggregator) Schedule(ctx context.Context, d *model.StatsDelta) error {
	if d.Deltas.Empty() {
		return nil
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = a.now()
	}
	if err := a.Repo.EnqueueDelta(ctx, d); err != nil {
		return fmt.Errorf("enqueue stats delta %s: %w", d.ID, err)
	}
	a.notify()
	return nil
}

// ApplyDelta folds d into the campaign row unless it was applied before.
func (a *StatsAggregator) ApplyDelta(ctx context.Context, d *model.StatsDelta) (bool, error) {
	applied, err := a.Repo.ApplyDelta(ctx, d, a.now())
	if err != nil {
		return false, fmt.Errorf("apply stats delta %s: %w", d.ID, err)
	}
	return applied, nil
}

// Apply adds deltas to a campaign immediately under a fresh delta id.
func (a *StatsAggregator) Apply(ctx context.Context, tenantID, campaignID string, deltas model.Deltas) error {
	if deltas.Empty() {
		return nil
	}
	_, err := a.ApplyDelta(ctx, &model.StatsDelta{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		CampaignID: campaignID,
		Deltas:     deltas,
		CreatedAt:  a.now(),
	})
	return err
}

// Drain applies up to limit pending deltas in creation order. It returns how
// many pending deltas it picked up and stops at the first failure.
func (a *StatsAggregator) Drain(ctx context.Context, limit int) (int, error) {
	pending, err := a.Repo.PendingDeltas(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("load pending stats deltas: %w", err)
	}
	for i := range pending {
		if _, err := a.ApplyDelta(ctx, &pending[i]); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}

// CompleteCampaign marks the campaign finished and clears queued. The counts
// are already reflected by the per-recipient deltas.
func (a *StatsAggregator) CompleteCampaign(ctx context.Context, campaignID string, sent, failed int) error {
	if err := a.Repo.CompleteCampaign(ctx, campaignID, a.now()); err != nil {
		return fmt.Errorf("complete campaign %s: %w", campaignID, err)
	}
	log.Info().
		Str("campaign_id", campaignID).
		Int("sent", sent).
		Int("failed", failed).
		Msg("✅ campaign completed")
	return nil
}

func (a *StatsAggregator) Get(ctx context.Context, campaignID string) (*model.CampaignStats, error) {
	st, err := a.Repo.GetStats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}
	return st, nil
}

// Wake fires after new deltas were scheduled.
func (a *StatsAggregator) Wake() <-chan struct{} {
	return a.wake
}

func (a *StatsAggregator) notify() {
	if a.wake == nil {
		return
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *StatsAggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}
