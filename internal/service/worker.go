package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DeltaWorker folds outbox deltas into campaign_stats
type DeltaWorker struct {
	Stats     *StatsAggregator
	Interval  time.Duration
	BatchSize int
}

// Constructor
func NewDeltaWorker(stats *StatsAggregator, interval time.Duration, batchSize int) *DeltaWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &DeltaWorker{
		Stats:     stats,
		Interval:  interval,
		BatchSize: batchSize,
	}
}

// Start drains on every tick and whenever new deltas are scheduled, until ctx
// ends. Deltas left behind by a crash are picked up by the first tick.
func (w *DeltaWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		case <-w.Stats.Wake():
			w.drain(ctx)
		}
	}
}

// RunOnce drains until the outbox is empty or a delta fails.
func (w *DeltaWorker) RunOnce(ctx context.Context) {
	w.drain(ctx)
}

func (w *DeltaWorker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.Stats.Drain(ctx, w.BatchSize)
		if err != nil {
			log.Error().Err(err).Msg("⚠️ failed to apply stats deltas")
			return
		}
		if n < w.BatchSize {
			return
		}
	}
}
