package service_test

import (
	"context"
	"testing"
	"time"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
	"github.com/unclebandit/mailtrack-backend/internal/model"
	"github.com/unclebandit/mailtrack-backend/internal/repository"
	"github.com/unclebandit/mailtrack-backend/internal/service"
)

func TestStats_ClampsAtZero(t *testing.T) {
	agg := service.NewStatsAggregator(repository.NewMemoryStore())
	ctx := context.Background()

	if err := agg.InitCampaign(ctx, "tenant-1", "c1", 2); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := agg.Apply(ctx, "tenant-1", "c1", model.Deltas{model.StatQueued: -5, model.StatBounced: -1}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	st, err := agg.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Queued != 0 || st.Bounced != 0 {
		t.Errorf("expected counters clamped at 0, got queued=%d bounced=%d", st.Queued, st.Bounced)
	}
}

func TestStats_InitResetsCounters(t *testing.T) {
	agg := service.NewStatsAggregator(repository.NewMemoryStore())
	ctx := context.Background()

	if err := agg.InitCampaign(ctx, "tenant-1", "c1", 3); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := agg.Apply(ctx, "tenant-1", "c1", model.Deltas{model.StatQueued: -3, model.StatSent: 3, model.StatOpened: 2}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := agg.InitCampaign(ctx, "tenant-1", "c1", 5); err != nil {
		t.Fatalf("re-init: %v", err)
	}

	st, _ := agg.Get(ctx, "c1")
	if st.TotalRecipients != 5 || st.Queued != 5 {
		t.Errorf("expected total=5 queued=5, got %d/%d", st.TotalRecipients, st.Queued)
	}
	if st.Sent != 0 || st.Opened != 0 {
		t.Errorf("expected counters zeroed, got sent=%d opened=%d", st.Sent, st.Opened)
	}
}

func TestStats_DeltaAppliesOnce(t *testing.T) {
	agg := service.NewStatsAggregator(repository.NewMemoryStore())
	ctx := context.Background()
	if err := agg.InitCampaign(ctx, "tenant-1", "c1", 1); err != nil {
		t.Fatalf("init: %v", err)
	}

	d := &model.StatsDelta{ID: "event:1", TenantID: "tenant-1", CampaignID: "c1", Deltas: model.Deltas{model.StatDelivered: 1}}
	if err := agg.Schedule(ctx, d); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := agg.Schedule(ctx, d); err != nil {
		t.Fatalf("schedule again: %v", err)
	}

	applied, err := agg.ApplyDelta(ctx, d)
	if err != nil || !applied {
		t.Fatalf("expected first apply to succeed, got %v, %v", applied, err)
	}
	applied, err = agg.ApplyDelta(ctx, d)
	if err != nil || applied {
		t.Fatalf("expected second apply to be a no-op, got %v, %v", applied, err)
	}
	if n, err := agg.Drain(ctx, 10); err != nil || n != 0 {
		t.Errorf("expected empty outbox, got %d, %v", n, err)
	}

	st, _ := agg.Get(ctx, "c1")
	if st.Delivered != 1 {
		t.Errorf("expected delivered=1, got %d", st.Delivered)
	}
}

func TestStats_CompleteClearsQueued(t *testing.T) {
	agg := service.NewStatsAggregator(repository.NewMemoryStore())
	ctx := context.Background()
	if err := agg.InitCampaign(ctx, "tenant-1", "c1", 4); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := agg.CompleteCampaign(ctx, "c1", 0, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	st, _ := agg.Get(ctx, "c1")
	if st.Status != model.CampaignStatusCompleted || st.Queued != 0 || st.CompletedAt == nil {
		t.Errorf("expected completed campaign with queued=0, got %+v", st)
	}
}

func TestStats_GetUnknownCampaign(t *testing.T) {
	agg := service.NewStatsAggregator(repository.NewMemoryStore())
	_, err := agg.Get(context.Background(), "nope")
	if !appErrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestDeltaWorker_DrainsOnWake(t *testing.T) {
	agg := service.NewStatsAggregator(repository.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := agg.InitCampaign(ctx, "tenant-1", "c1", 1); err != nil {
		t.Fatalf("init: %v", err)
	}

	w := service.NewDeltaWorker(agg, time.Hour, 10)
	go w.Start(ctx)

	if err := agg.Schedule(ctx, &model.StatsDelta{TenantID: "tenant-1", CampaignID: "c1", Deltas: model.Deltas{model.StatClicked: 1}}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, _ := agg.Get(ctx, "c1")
		if st.Clicked == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("delta was not applied after wake")
}
