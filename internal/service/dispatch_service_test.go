package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
	"github.com/unclebandit/mailtrack-backend/internal/model"
	"github.com/unclebandit/mailtrack-backend/internal/provider"
	"github.com/unclebandit/mailtrack-backend/internal/queue"
	"github.com/unclebandit/mailtrack-backend/internal/repository"
	"github.com/unclebandit/mailtrack-backend/internal/service"
	"github.com/unclebandit/mailtrack-backend/internal/workflow"
)

type published struct {
	Topic string
	Body  []byte
}

// stubQueue records publishes, or fails them with Err.
type stubQueue struct {
	mu       sync.Mutex
	Err      error
	messages []published
}

func (q *stubQueue) Publish(_ context.Context, topic string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.messages = append(q.messages, published{Topic: topic, Body: body})
	return nil
}

func (q *stubQueue) Subscribe(string, queue.Handler) error { return nil }
func (q *stubQueue) Close() error                          { return nil }

func newDispatch(q queue.Queue) (*repository.MemoryStore, *service.DispatchService) {
	store := repository.NewMemoryStore()
	return store, service.NewDispatchService(store, q, workflow.NewEngine(store), 3)
}

func TestSubmit_Publishes(t *testing.T) {
	q := &stubQueue{}
	store, svc := newDispatch(q)

	job, err := svc.Submit(context.Background(), campaignRequest("a@example.com"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != model.JobStatusSubmitted || job.WorkflowID != "wf-c1" || job.MaxRetries != 3 {
		t.Errorf("unexpected job %+v", job)
	}

	if len(q.messages) != 1 || q.messages[0].Topic != queue.TopicCampaignDispatch {
		t.Fatalf("expected one message on %s, got %+v", queue.TopicCampaignDispatch, q.messages)
	}
	var env model.JobEnvelope
	if err := json.Unmarshal(q.messages[0].Body, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.JobID != job.ID || env.Kind != model.JobKindCampaignDispatch {
		t.Errorf("unexpected envelope %+v", env)
	}

	stored, _ := store.GetJob(context.Background(), job.ID)
	if stored.Status != model.JobStatusSubmitted {
		t.Errorf("expected stored job submitted, got %s", stored.Status)
	}
}

func TestSubmit_TransportDownLeavesFailedJob(t *testing.T) {
	q := &stubQueue{Err: errors.New("connection refused")}
	store, svc := newDispatch(q)

	job, err := svc.Submit(context.Background(), campaignRequest("a@example.com"))
	if err != nil {
		t.Fatalf("expected submit to record the job, got %v", err)
	}
	if job.Status != model.JobStatusFailed || job.LastError == "" {
		t.Errorf("expected failed job with error, got %+v", job)
	}

	pending, _ := store.ListPendingJobs(context.Background(), 10)
	if len(pending) != 1 || pending[0].ID != job.ID {
		t.Errorf("expected job to be recoverable, got %+v", pending)
	}
}

func TestSubmit_Invalid(t *testing.T) {
	store, svc := newDispatch(&stubQueue{})

	_, err := svc.Submit(context.Background(), &model.DispatchRequest{TenantID: "tenant-1"})
	if !errors.Is(err, appErrors.ErrInvalidDispatch) {
		t.Fatalf("expected ErrInvalidDispatch, got %v", err)
	}
	pending, _ := store.ListPendingJobs(context.Background(), 10)
	if len(pending) != 0 {
		t.Errorf("expected no job recorded, got %d", len(pending))
	}
}

func TestSubmitReminders_Topic(t *testing.T) {
	q := &stubQueue{}
	_, svc := newDispatch(q)

	job, err := svc.SubmitReminders(context.Background(), &model.ReminderRequest{
		TenantID:   "tenant-1",
		CampaignID: "rem-1",
		Reminders:  []model.Reminder{{Email: "a@example.com", Title: "Checkup", StartsAt: time.Now()}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.WorkflowID == "" {
		t.Error("expected generated workflow id")
	}
	if len(q.messages) != 1 || q.messages[0].Topic != queue.TopicBulkReminders {
		t.Errorf("expected message on %s, got %+v", queue.TopicBulkReminders, q.messages)
	}
}

func TestDispatch_EndToEndThroughQueue(t *testing.T) {
	mock := provider.NewMockSender(1.0)
	rh := newRunner(t, mock, 10)
	q := queue.NewInMemoryQueue()
	defer q.Close()

	consumer := service.NewJobConsumer(rh.store, rh.runner)
	if err := consumer.Subscribe(q); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	svc := service.NewDispatchService(rh.store, q, rh.engine, 3)

	job, err := svc.Submit(context.Background(), campaignRequest("a@example.com", "b@example.com"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stored, _ := rh.store.GetJob(context.Background(), job.ID)
		if stored.Status == model.JobStatusCompleted {
			if st := rh.snapshot(t, "c1"); st.Sent != 2 {
				t.Errorf("expected sent=2, got %d", st.Sent)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never completed")
}

func TestJobConsumer_SkipsCancelledJob(t *testing.T) {
	mock := provider.NewMockSender(1.0)
	rh := newRunner(t, mock, 10)
	ctx := context.Background()

	payload, _ := json.Marshal(campaignRequest("a@example.com"))
	job := &model.PendingJob{ID: "11111111-1111-1111-1111-111111111111", Kind: model.JobKindCampaignDispatch, Payload: payload, Status: model.JobStatusCancelled}
	if err := rh.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	body, _ := json.Marshal(model.JobEnvelope{JobID: job.ID, Kind: job.Kind, Payload: payload})

	if err := service.NewJobConsumer(rh.store, rh.runner).Handle(ctx, body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(mock.Sent()) != 0 {
		t.Errorf("expected no sends for a cancelled job, got %d", len(mock.Sent()))
	}
}

func TestJobConsumer_Failures(t *testing.T) {
	rh := newRunner(t, provider.NewMockSender(1.0), 10)
	ctx := context.Background()
	consumer := service.NewJobConsumer(rh.store, rh.runner)

	if err := consumer.Handle(ctx, []byte("not json")); err == nil {
		t.Error("expected undecodable envelope to be rejected")
	}

	job := &model.PendingJob{ID: "22222222-2222-2222-2222-222222222222", Kind: model.JobKindCampaignDispatch, Status: model.JobStatusSubmitted, MaxRetries: 3}
	if err := rh.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	body, _ := json.Marshal(model.JobEnvelope{JobID: job.ID, Kind: job.Kind, Payload: json.RawMessage(`{"tenant_id":"tenant-1"}`)})

	if err := consumer.Handle(ctx, body); err != nil {
		t.Fatalf("expected run failure to be acknowledged, got %v", err)
	}
	stored, _ := rh.store.GetJob(ctx, job.ID)
	if stored.Status != model.JobStatusFailed || stored.LastError == "" {
		t.Errorf("expected failed job with error, got %+v", stored)
	}
}

func seedJob(t *testing.T, store *repository.MemoryStore, id string, status model.JobStatus, retries int) {
	t.Helper()
	err := store.CreateJob(context.Background(), &model.PendingJob{
		ID:         id,
		TenantID:   "tenant-1",
		Kind:       model.JobKindCampaignDispatch,
		WorkflowID: "wf-" + id,
		Payload:    json.RawMessage(`{}`),
		Status:     status,
		RetryCount: retries,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestRecovery_ResendPending(t *testing.T) {
	q := &stubQueue{}
	store, svc := newDispatch(q)
	seedJob(t, store, "job-1", model.JobStatusFailed, 0)
	seedJob(t, store, "job-2", model.JobStatusPending, 2)
	seedJob(t, store, "job-3", model.JobStatusFailed, 3)
	seedJob(t, store, "job-4", model.JobStatusCompleted, 0)

	res, err := service.NewRecoveryManager(svc).ResendPending(context.Background())
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if res.Total != 2 || res.Success != 2 || res.Failed != 0 {
		t.Errorf("expected 2/2/0, got %+v", res)
	}
	if len(q.messages) != 2 {
		t.Errorf("expected 2 publishes, got %d", len(q.messages))
	}

	ctx := context.Background()
	j1, _ := store.GetJob(ctx, "job-1")
	if j1.Status != model.JobStatusSubmitted || j1.RetryCount != 1 {
		t.Errorf("expected job-1 submitted with retry 1, got %s/%d", j1.Status, j1.RetryCount)
	}
	j3, _ := store.GetJob(ctx, "job-3")
	if j3.Status != model.JobStatusFailed || j3.RetryCount != 3 {
		t.Errorf("expected exhausted job untouched, got %s/%d", j3.Status, j3.RetryCount)
	}
}

func TestRecovery_StillDown(t *testing.T) {
	q := &stubQueue{Err: errors.New("down")}
	store, svc := newDispatch(q)
	seedJob(t, store, "job-1", model.JobStatusFailed, 2)
	m := service.NewRecoveryManager(svc)

	res, err := m.ResendPending(context.Background())
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if res.Total != 1 || res.Failed != 1 {
		t.Errorf("expected one failure, got %+v", res)
	}

	// the last retry is spent, so the job is no longer eligible
	res, _ = m.ResendPending(context.Background())
	if res.Total != 0 {
		t.Errorf("expected no eligible jobs, got %+v", res)
	}
}

func TestRecovery_MinAgeSkipsFreshPending(t *testing.T) {
	store, svc := newDispatch(&stubQueue{})
	seedJob(t, store, "job-1", model.JobStatusPending, 0)
	seedJob(t, store, "job-2", model.JobStatusFailed, 0)

	m := service.NewRecoveryManager(svc)
	m.MinAge = time.Hour
	jobs, err := m.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-2" {
		t.Errorf("expected only the failed job, got %+v", jobs)
	}
}

func TestRecovery_Cancel(t *testing.T) {
	store, svc := newDispatch(&stubQueue{})
	seedJob(t, store, "job-1", model.JobStatusFailed, 1)
	seedJob(t, store, "job-2", model.JobStatusSubmitted, 0)
	m := service.NewRecoveryManager(svc)
	ctx := context.Background()

	job, err := m.Cancel(ctx, "job-1")
	if err != nil || job.Status != model.JobStatusCancelled {
		t.Fatalf("expected cancelled job, got %+v, %v", job, err)
	}
	if _, err := m.Cancel(ctx, "job-2"); !errors.Is(err, appErrors.ErrJobNotCancellable) {
		t.Errorf("expected ErrJobNotCancellable, got %v", err)
	}
	if _, err := m.Cancel(ctx, "missing"); !appErrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	pending, _ := store.ListPendingJobs(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("expected cancelled job to leave the sweep, got %+v", pending)
	}
}
