package repository_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/mailtrack-backend/internal/model"
	"github.com/unclebandit/mailtrack-backend/internal/repository"
	"github.com/unclebandit/mailtrack-backend/internal/service"
)

// stores is one backend under test. Both the memory store and Postgres must
// pass the same contract.
type stores struct {
	ledger    repository.LedgerRepositoryInterface
	stats     repository.StatsRepositoryInterface
	jobs      repository.JobRepositoryInterface
	workflows repository.WorkflowRepositoryInterface
	tx        repository.TransactionManager
}

func newIntent(campaignID, email, pmid string) *model.SendIntent {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.SendIntent{
		ID:                uuid.NewString(),
		TenantID:          "tenant-1",
		CampaignID:        campaignID,
		RecipientEmail:    email,
		ProviderMessageID: pmid,
		Status:            model.SendStatusSent,
		SentAt:            &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func newEvent(in *model.SendIntent, t model.EventType, providerEventID string) *model.DeliveryEvent {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.DeliveryEvent{
		ID:                uuid.NewString(),
		TenantID:          in.TenantID,
		CampaignID:        in.CampaignID,
		SendIntentID:      in.ID,
		RecipientEmail:    in.RecipientEmail,
		EventType:         t,
		ProviderMessageID: in.ProviderMessageID,
		ProviderEventID:   providerEventID,
		Metadata:          model.Metadata{"source": "test"},
		OccurredAt:        now,
		CreatedAt:         now,
	}
}

func runContract(t *testing.T, s stores) {
	t.Run("intents", func(t *testing.T) { testIntents(t, s) })
	t.Run("events", func(t *testing.T) { testEvents(t, s) })
	t.Run("stats", func(t *testing.T) { testStats(t, s) })
	t.Run("jobs", func(t *testing.T) { testJobs(t, s) })
	t.Run("workflows", func(t *testing.T) { testWorkflows(t, s) })
	t.Run("concurrent writers", func(t *testing.T) { testConcurrentWriters(t, s) })
	t.Run("concurrent ledger", func(t *testing.T) { testConcurrentLedger(t, s) })
}

func testIntents(t *testing.T, s stores) {
	ctx := context.Background()
	campaign := "c-" + uuid.NewString()
	email := uuid.NewString() + "@example.com"
	pmid := "pm-" + uuid.NewString()

	first := newIntent(campaign, email, pmid)
	ok, err := s.ledger.InsertIntent(ctx, first)
	if err != nil || !ok {
		t.Fatalf("expected insert, got %v, %v", ok, err)
	}
	ok, err = s.ledger.InsertIntent(ctx, newIntent(campaign, email, ""))
	if err != nil || ok {
		t.Fatalf("expected duplicate to be skipped, got %v, %v", ok, err)
	}

	got, err := s.ledger.GetIntent(ctx, campaign, email)
	if err != nil || got == nil || got.ID != first.ID {
		t.Fatalf("expected intent %s, got %+v, %v", first.ID, got, err)
	}
	if byPM, _ := s.ledger.FindIntentByProviderMessageID(ctx, pmid); byPM == nil || byPM.ID != first.ID {
		t.Errorf("expected lookup by provider message id, got %+v", byPM)
	}
	if latest, _ := s.ledger.FindLatestIntent(ctx, "", email); latest == nil || latest.ID != first.ID {
		t.Errorf("expected latest intent across campaigns, got %+v", latest)
	}

	got.Status = model.SendStatusDelivered
	got.OpenCount = 2
	if err := s.ledger.UpdateIntent(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, total, err := s.ledger.ListIntents(ctx, repository.IntentFilter{CampaignID: campaign, Statuses: []model.SendStatus{model.SendStatusDelivered}, Limit: 10})
	if err != nil || total != 1 || len(list) != 1 || list[0].OpenCount != 2 {
		t.Errorf("expected one delivered intent, got %d %+v %v", total, list, err)
	}
	counts, _ := s.ledger.CountIntentsByStatus(ctx, campaign)
	if counts[model.SendStatusDelivered] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}

	if err := s.ledger.SupersedeCampaign(ctx, campaign, time.Now().UTC()); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if live, _ := s.ledger.GetIntent(ctx, campaign, email); live != nil {
		t.Errorf("expected superseded intent to be hidden, got %+v", live)
	}
	if old, _ := s.ledger.GetIntentByID(ctx, first.ID); old == nil || old.SupersededAt == nil {
		t.Errorf("expected superseded intent to stay readable by id, got %+v", old)
	}
	ok, err = s.ledger.InsertIntent(ctx, newIntent(campaign, email, ""))
	if err != nil || !ok {
		t.Errorf("expected fresh intent after supersede, got %v, %v", ok, err)
	}
}

func testEvents(t *testing.T, s stores) {
	ctx := context.Background()
	in := newIntent("c-"+uuid.NewString(), uuid.NewString()+"@example.com", "pm-"+uuid.NewString())
	if _, err := s.ledger.InsertIntent(ctx, in); err != nil {
		t.Fatalf("insert intent: %v", err)
	}

	delivered := newEvent(in, model.EventDelivered, "resend:"+uuid.NewString())
	if ok, err := s.ledger.InsertEvent(ctx, delivered); err != nil || !ok {
		t.Fatalf("expected insert, got %v, %v", ok, err)
	}
	if ok, _ := s.ledger.InsertEvent(ctx, newEvent(in, model.EventDelivered, "")); ok {
		t.Error("expected second delivered event to be rejected")
	}
	if ok, _ := s.ledger.InsertEvent(ctx, newEvent(in, model.EventOpened, delivered.ProviderEventID)); ok {
		t.Error("expected reused provider event id to be rejected")
	}
	for i := 0; i < 2; i++ {
		if ok, err := s.ledger.InsertEvent(ctx, newEvent(in, model.EventOpened, "")); err != nil || !ok {
			t.Fatalf("expected repeatable open, got %v, %v", ok, err)
		}
	}

	if found, _ := s.ledger.FindEventByProviderEventID(ctx, delivered.ProviderEventID); found == nil || found.ID != delivered.ID {
		t.Errorf("expected lookup by provider event id, got %+v", found)
	}
	if found, _ := s.ledger.FindOneTimeEvent(ctx, in.CampaignID, in.RecipientEmail, in.ProviderMessageID, model.EventDelivered); found == nil {
		t.Error("expected one-time event lookup")
	}

	opens, total, err := s.ledger.ListEvents(ctx, repository.EventFilter{CampaignID: in.CampaignID, Types: []model.EventType{model.EventOpened}, Limit: 1})
	if err != nil || total != 2 || len(opens) != 1 {
		t.Errorf("expected page of 1 out of 2 opens, got %d/%d %v", len(opens), total, err)
	}
	trail, _ := s.ledger.ListEventsForIntent(ctx, in.ID)
	if len(trail) != 3 {
		t.Errorf("expected 3 events for intent, got %d", len(trail))
	}
	if trail[0].Metadata["source"] != "test" {
		t.Errorf("expected metadata to round trip, got %v", trail[0].Metadata)
	}
}

func testStats(t *testing.T, s stores) {
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()
	campaign := "c-" + uuid.NewString()
	now := time.Now().UTC()

	if err := s.stats.InitCampaign(ctx, tenant, campaign, 3, now); err != nil {
		t.Fatalf("init: %v", err)
	}
	d := &model.StatsDelta{ID: "event:" + uuid.NewString(), TenantID: tenant, CampaignID: campaign, Deltas: model.Deltas{model.StatQueued: -1, model.StatSent: 1, model.StatBounced: -4}}
	if err := s.stats.EnqueueDelta(ctx, d); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.stats.EnqueueDelta(ctx, d); err != nil {
		t.Fatalf("enqueue twice: %v", err)
	}

	pending, _ := s.stats.PendingDeltas(ctx, 1000)
	found := 0
	for _, p := range pending {
		if p.ID == d.ID {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("expected delta queued once, found %d", found)
	}

	if applied, err := s.stats.ApplyDelta(ctx, d, now); err != nil || !applied {
		t.Fatalf("expected apply, got %v, %v", applied, err)
	}
	if applied, _ := s.stats.ApplyDelta(ctx, d, now); applied {
		t.Error("expected second apply to be a no-op")
	}

	st, err := s.stats.GetStats(ctx, campaign)
	if err != nil || st == nil {
		t.Fatalf("get stats: %+v, %v", st, err)
	}
	if st.Queued != 2 || st.Sent != 1 || st.Bounced != 0 {
		t.Errorf("expected queued=2 sent=1 bounced=0, got %d/%d/%d", st.Queued, st.Sent, st.Bounced)
	}

	if err := s.stats.CompleteCampaign(ctx, campaign, now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	list, total, err := s.stats.ListStats(ctx, tenant, 0, 10)
	if err != nil || total != 1 || list[0].Status != model.CampaignStatusCompleted || list[0].Queued != 0 {
		t.Errorf("expected one completed campaign, got %d %+v %v", total, list, err)
	}
	if missing, _ := s.stats.GetStats(ctx, "c-"+uuid.NewString()); missing != nil {
		t.Errorf("expected nil for unknown campaign, got %+v", missing)
	}
}

func testJobs(t *testing.T, s stores) {
	ctx := context.Background()
	job := &model.PendingJob{
		ID:         uuid.NewString(),
		TenantID:   "tenant-1",
		Kind:       model.JobKindCampaignDispatch,
		WorkflowID: uuid.NewString(),
		Payload:    json.RawMessage(`{"campaign_id":"c1"}`),
		Status:     model.JobStatusPending,
		MaxRetries: 1,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	if moved, _ := s.jobs.TransitionJob(ctx, job.ID, []model.JobStatus{model.JobStatusSubmitted}, model.JobStatusCompleted, ""); moved {
		t.Error("expected transition from the wrong status to be refused")
	}
	if moved, err := s.jobs.TransitionJob(ctx, job.ID, []model.JobStatus{model.JobStatusPending}, model.JobStatusFailed, "down"); err != nil || !moved {
		t.Fatalf("expected transition, got %v, %v", moved, err)
	}

	if !pendingContains(t, s, job.ID) {
		t.Error("expected failed job with retries left to be listed")
	}
	stored, _ := s.jobs.GetJob(ctx, job.ID)
	if stored.LastError != "down" || stored.Status != model.JobStatusFailed {
		t.Errorf("unexpected stored job %+v", stored)
	}
	stored.RetryCount = 1
	if err := s.jobs.UpdateJob(ctx, stored); err != nil {
		t.Fatalf("update: %v", err)
	}
	if pendingContains(t, s, job.ID) {
		t.Error("expected exhausted job to leave the list")
	}
	if missing, _ := s.jobs.GetJob(ctx, "not-a-uuid"); missing != nil {
		t.Errorf("expected nil for unknown job, got %+v", missing)
	}
}

func pendingContains(t *testing.T, s stores, id string) bool {
	t.Helper()
	jobs, err := s.jobs.ListPendingJobs(context.Background(), 1000)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for _, j := range jobs {
		if j.ID == id {
			return true
		}
	}
	return false
}

func testWorkflows(t *testing.T, s stores) {
	ctx := context.Background()
	run := &model.WorkflowRun{ID: "wf-" + uuid.NewString(), Kind: model.JobKindCampaignDispatch, Payload: json.RawMessage(`{}`), Status: model.WorkflowRunning}

	if created, err := s.workflows.CreateRun(ctx, run); err != nil || !created {
		t.Fatalf("expected create, got %v, %v", created, err)
	}
	if created, _ := s.workflows.CreateRun(ctx, run); created {
		t.Error("expected second create to be a no-op")
	}

	wake := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	if err := s.workflows.SaveStep(ctx, &model.WorkflowStep{WorkflowID: run.ID, Name: "sleep", WakeAt: &wake, Result: json.RawMessage(`null`)}); err != nil {
		t.Fatalf("save step: %v", err)
	}
	step, err := s.workflows.GetStep(ctx, run.ID, "sleep")
	if err != nil || step == nil || step.WakeAt == nil || !step.WakeAt.Equal(wake) {
		t.Fatalf("expected step with wake time, got %+v, %v", step, err)
	}
	done := time.Now().UTC()
	step.CompletedAt = &done
	step.Result = json.RawMessage(`{"n":1}`)
	if err := s.workflows.SaveStep(ctx, step); err != nil {
		t.Fatalf("complete step: %v", err)
	}
	if step, _ = s.workflows.GetStep(ctx, run.ID, "sleep"); step.CompletedAt == nil {
		t.Error("expected step to be completed")
	}

	if err := s.workflows.UpdateRunStatus(ctx, run.ID, model.WorkflowCancelled, ""); err != nil {
		t.Fatalf("update run: %v", err)
	}
	got, _ := s.workflows.GetRun(ctx, run.ID)
	if got.Status != model.WorkflowCancelled {
		t.Errorf("expected cancelled run, got %s", got.Status)
	}
	running, _ := s.workflows.ListRunsByStatus(ctx, model.WorkflowRunning)
	for _, r := range running {
		if r.ID == run.ID {
			t.Error("expected cancelled run to leave the running list")
		}
	}
}

const writers = 8

// parallel runs fn on writers goroutines at once and collects their errors.
func parallel(t *testing.T, fn func(i int) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fn(i)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
	}
}

func testConcurrentWriters(t *testing.T, s stores) {
	ctx := context.Background()
	campaign := "c-" + uuid.NewString()
	email := uuid.NewString() + "@example.com"

	var mu sync.Mutex
	inserted := 0
	parallel(t, func(int) error {
		ok, err := s.ledger.InsertIntent(ctx, newIntent(campaign, email, ""))
		if ok {
			mu.Lock()
			inserted++
			mu.Unlock()
		}
		return err
	})
	if inserted != 1 {
		t.Fatalf("expected one intent inserted, got %d", inserted)
	}
	in, err := s.ledger.GetIntent(ctx, campaign, email)
	if err != nil || in == nil {
		t.Fatalf("get intent: %+v, %v", in, err)
	}

	inserted = 0
	parallel(t, func(int) error {
		ok, err := s.ledger.InsertEvent(ctx, newEvent(in, model.EventDelivered, ""))
		if ok {
			mu.Lock()
			inserted++
			mu.Unlock()
		}
		return err
	})
	if inserted != 1 {
		t.Errorf("expected one delivered event inserted, got %d", inserted)
	}

	// read-modify-write under LockIntent loses no increment
	parallel(t, func(int) error {
		return s.tx.WithTransaction(ctx, func(ctx context.Context) error {
			locked, err := s.ledger.LockIntent(ctx, in.ID)
			if err != nil {
				return err
			}
			locked.OpenCount++
			return s.ledger.UpdateIntent(ctx, locked)
		})
	})
	got, _ := s.ledger.GetIntentByID(ctx, in.ID)
	if got == nil || got.OpenCount != writers {
		t.Errorf("expected openCount=%d, got %+v", writers, got)
	}
}

func testConcurrentLedger(t *testing.T, s stores) {
	ctx := context.Background()
	stats := service.NewStatsAggregator(s.stats)
	ledger := service.NewEventLedger(s.ledger, s.tx, stats)
	campaign := "c-" + uuid.NewString()
	email := uuid.NewString() + "@example.com"
	pmid := "pm-" + uuid.NewString()

	if err := stats.InitCampaign(ctx, "tenant-1", campaign, 1); err != nil {
		t.Fatalf("init: %v", err)
	}
	parallel(t, func(int) error {
		_, err := ledger.RecordIntent(ctx, service.IntentParams{
			TenantID:          "tenant-1",
			CampaignID:        campaign,
			RecipientEmail:    email,
			Status:            model.SendStatusSent,
			ProviderMessageID: pmid,
		})
		return err
	})
	parallel(t, func(i int) error {
		eventType := model.EventOpened
		switch i % 3 {
		case 1:
			eventType = model.EventClicked
		case 2:
			eventType = model.EventDelivered
		}
		_, err := ledger.RecordEvent(ctx, service.EventParams{
			TenantID:          "tenant-1",
			CampaignID:        campaign,
			RecipientEmail:    email,
			EventType:         eventType,
			ProviderMessageID: pmid,
		})
		return err
	})

	for {
		n, err := stats.Drain(ctx, 100)
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if n == 0 {
			break
		}
	}
	st, err := stats.Get(ctx, campaign)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	in, _ := s.ledger.GetIntent(ctx, campaign, email)
	if st.Sent != 1 || st.Queued != 0 || st.Delivered != 1 {
		t.Errorf("expected sent=1 queued=0 delivered=1, got %d/%d/%d", st.Sent, st.Queued, st.Delivered)
	}
	if st.UniqueOpens != 1 || st.UniqueClicks != 1 {
		t.Errorf("expected uniqueOpens=1 uniqueClicks=1, got %d/%d", st.UniqueOpens, st.UniqueClicks)
	}
	if in == nil || st.Opened != in.OpenCount || st.Clicked != in.ClickCount {
		t.Errorf("expected counters to match the intent, got opened=%d clicked=%d intent=%+v", st.Opened, st.Clicked, in)
	}
}
