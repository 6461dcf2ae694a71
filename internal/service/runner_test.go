package service_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
	"github.com/unclebandit/mailtrack-backend/internal/model"
	"github.com/unclebandit/mailtrack-backend/internal/provider"
	"github.com/unclebandit/mailtrack-backend/internal/service"
	"github.com/unclebandit/mailtrack-backend/internal/workflow"
)

// flakySender fails the first Failures sends to each address with Err.
type flakySender struct {
	Failures int
	Err      error

	mu       sync.Mutex
	attempts map[string]int
	messages []provider.Message
}

func (f *flakySender) Name() string { return "flaky" }

func (f *flakySender) Send(ctx context.Context, msg *provider.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = map[string]int{}
	}
	to := msg.To[0]
	f.attempts[to]++
	if f.attempts[to] <= f.Failures {
		return "", f.Err
	}
	f.messages = append(f.messages, *msg)
	return "pm-" + to, nil
}

type runnerHarness struct {
	*harness
	engine *workflow.Engine
	runner *service.JobRunner
}

func newRunner(t *testing.T, sender provider.Sender, batchSize int) *runnerHarness {
	t.Helper()
	h := newHarness(t)
	engine := workflow.NewEngine(h.store)
	engine.PollInterval = 10 * time.Millisecond
	runner := service.NewJobRunner(engine, h.ledger, h.stats, sender, service.NewTemplateRenderer(), service.RunnerConfig{
		BatchSize:       batchSize,
		MaxAttempts:     3,
		Backoff:         time.Millisecond,
		SendTimeout:     time.Second,
		From:            "news@example.com",
		TrackingBaseURL: "https://track.example.com",
	})
	return &runnerHarness{harness: h, engine: engine, runner: runner}
}

func campaignRequest(emails ...string) *model.DispatchRequest {
	req := &model.DispatchRequest{
		WorkflowID:      "wf-c1",
		TenantID:        "tenant-1",
		CampaignID:      "c1",
		Subject:         "Hello {{ first_name }}",
		HTML:            `<html><body><p>Hi {{ first_name }}</p><a href="https://shop.example.com/sale">Shop</a></body></html>`,
		TrackingEnabled: true,
	}
	for _, e := range emails {
		req.Recipients = append(req.Recipients, model.Recipient{Email: e, FirstName: strings.Split(e, "@")[0]})
	}
	return req
}

func TestRunCampaign_ThreeRecipientScenario(t *testing.T) {
	mock := provider.NewMockSender(1.0)
	rh := newRunner(t, mock, 2)
	ctx := context.Background()

	summary, err := rh.runner.RunCampaign(ctx, campaignRequest("r1@example.com", "r2@example.com", "r3@example.com"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Total != 3 || summary.Succeeded != 3 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	st := rh.snapshot(t, "c1")
	if st.TotalRecipients != 3 || st.Sent != 3 || st.Queued != 0 {
		t.Fatalf("expected total=3 sent=3 queued=0, got %d/%d/%d", st.TotalRecipients, st.Sent, st.Queued)
	}

	r1 := summary.Results[0]
	rh.event(t, "c1", "r1@example.com", r1.ProviderMessageID, model.EventDelivered, "resend:d1")
	rh.event(t, "c1", "r1@example.com", r1.ProviderMessageID, model.EventOpened, "resend:o1")
	rh.event(t, "c1", "r1@example.com", r1.ProviderMessageID, model.EventOpened, "resend:o1")

	st = rh.snapshot(t, "c1")
	if st.Delivered != 1 || st.Opened != 1 || st.UniqueOpens != 1 {
		t.Fatalf("expected delivered=1 opened=1 uniqueOpens=1, got %d/%d/%d", st.Delivered, st.Opened, st.UniqueOpens)
	}

	r2 := summary.Results[1]
	rh.event(t, "c1", "r2@example.com", r2.ProviderMessageID, model.EventClicked, "resend:c2")
	st = rh.snapshot(t, "c1")
	if st.Opened != 2 || st.UniqueOpens != 2 || st.Clicked != 1 || st.UniqueClicks != 1 {
		t.Errorf("expected opened=2 uniqueOpens=2 clicked=1 uniqueClicks=1, got %d/%d/%d/%d",
			st.Opened, st.UniqueOpens, st.Clicked, st.UniqueClicks)
	}
	if st.Status != model.CampaignStatusCompleted {
		t.Errorf("expected completed campaign, got %s", st.Status)
	}
}

func TestRunCampaign_PersonalizesAndTracks(t *testing.T) {
	mock := provider.NewMockSender(1.0)
	rh := newRunner(t, mock, 10)

	summary, err := rh.runner.RunCampaign(context.Background(), campaignRequest("ann@example.com"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sent))
	}
	msg := sent[0]
	if msg.Subject != "Hello ann" {
		t.Errorf("expected personalized subject, got %q", msg.Subject)
	}
	intentID := summary.Results[0].IntentID
	if intentID != service.IntentID("wf-c1", "ann@example.com") {
		t.Errorf("expected deterministic intent id, got %s", intentID)
	}
	if !strings.Contains(msg.HTML, "https://track.example.com/t/open/"+intentID+".gif") {
		t.Errorf("expected tracking pixel in %s", msg.HTML)
	}
	if !strings.Contains(msg.HTML, "/t/click/"+intentID+"?url=https%3A%2F%2Fshop.example.com%2Fsale") {
		t.Errorf("expected tracked link in %s", msg.HTML)
	}
	if msg.IdempotencyKey != "wf-c1:ann@example.com" {
		t.Errorf("unexpected idempotency key %q", msg.IdempotencyKey)
	}
}

func TestRunCampaign_FailedRecipientDoesNotBlock(t *testing.T) {
	mock := provider.NewMockSender(1.0)
	mock.FailFor["bad@example.com"] = &appErrors.ProviderError{Provider: "mock", StatusCode: http.StatusUnprocessableEntity, Message: "invalid to"}
	rh := newRunner(t, mock, 1)

	summary, err := rh.runner.RunCampaign(context.Background(), campaignRequest("ok@example.com", "bad@example.com", "ok2@example.com"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Succeeded != 2 || summary.Failed != 1 {
		t.Fatalf("expected 2 sent and 1 failed, got %+v", summary)
	}
	if summary.Results[1].Success || summary.Results[1].Error == "" {
		t.Errorf("expected failure result for bad@example.com, got %+v", summary.Results[1])
	}

	in, _ := rh.store.GetIntent(context.Background(), "c1", "bad@example.com")
	if in == nil || in.Status != model.SendStatusFailed {
		t.Fatalf("expected failed intent, got %+v", in)
	}
	st := rh.snapshot(t, "c1")
	if st.Failed != 1 || st.Sent != 2 || st.Queued != 0 {
		t.Errorf("expected failed=1 sent=2 queued=0, got %d/%d/%d", st.Failed, st.Sent, st.Queued)
	}
}

func TestRunCampaign_RetriesTransientErrors(t *testing.T) {
	sender := &flakySender{Failures: 2, Err: &appErrors.ProviderError{Provider: "flaky", StatusCode: http.StatusServiceUnavailable}}
	rh := newRunner(t, sender, 10)

	summary, err := rh.runner.RunCampaign(context.Background(), campaignRequest("a@example.com"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Errorf("expected success on the third attempt, got %+v", summary)
	}
	if sender.attempts["a@example.com"] != 3 {
		t.Errorf("expected 3 attempts, got %d", sender.attempts["a@example.com"])
	}
}

func TestRunCampaign_PermanentErrorNotRetried(t *testing.T) {
	sender := &flakySender{Failures: 5, Err: &appErrors.ProviderError{Provider: "flaky", StatusCode: http.StatusBadRequest}}
	rh := newRunner(t, sender, 10)

	summary, err := rh.runner.RunCampaign(context.Background(), campaignRequest("a@example.com"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected failure, got %+v", summary)
	}
	if sender.attempts["a@example.com"] != 1 {
		t.Errorf("expected a single attempt, got %d", sender.attempts["a@example.com"])
	}
}

func TestRunCampaign_ReplayDoesNotResend(t *testing.T) {
	mock := provider.NewMockSender(1.0)
	rh := newRunner(t, mock, 2)
	ctx := context.Background()

	first, err := rh.runner.RunCampaign(ctx, campaignRequest("a@example.com", "b@example.com", "c@example.com"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	second, err := rh.runner.RunCampaign(ctx, campaignRequest("a@example.com", "b@example.com", "c@example.com"))
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}

	if got := len(mock.Sent()); got != 3 {
		t.Errorf("expected 3 sends in total, got %d", got)
	}
	if second.Succeeded != first.Succeeded || second.Results[2].IntentID != first.Results[2].IntentID {
		t.Errorf("expected replayed summary to match, got %+v vs %+v", second, first)
	}
	if st := rh.snapshot(t, "c1"); st.Sent != 3 {
		t.Errorf("expected sent=3 after replay, got %d", st.Sent)
	}
}

func TestRunCampaign_CancelledBeforeStart(t *testing.T) {
	mock := provider.NewMockSender(1.0)
	rh := newRunner(t, mock, 2)
	ctx := context.Background()

	if err := rh.engine.Cancel(ctx, "wf-c1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	summary, err := rh.runner.RunCampaign(ctx, campaignRequest("a@example.com"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !summary.Cancelled || len(mock.Sent()) != 0 {
		t.Errorf("expected cancelled run without sends, got %+v", summary)
	}
}

func TestRunCampaign_CancelWhileScheduled(t *testing.T) {
	mock := provider.NewMockSender(1.0)
	rh := newRunner(t, mock, 2)
	ctx := context.Background()

	req := campaignRequest("a@example.com", "b@example.com")
	later := time.Now().Add(time.Hour)
	req.ScheduledFor = &later

	done := make(chan *model.DispatchSummary, 1)
	go func() {
		summary, err := rh.runner.RunCampaign(ctx, req)
		if err != nil {
			t.Errorf("run: %v", err)
		}
		done <- summary
	}()

	time.Sleep(50 * time.Millisecond)
	if err := rh.engine.Cancel(ctx, "wf-c1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case summary := <-done:
		if summary == nil || !summary.Cancelled {
			t.Fatalf("expected cancelled summary, got %+v", summary)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled run did not stop after cancel")
	}
	if len(mock.Sent()) != 0 {
		t.Errorf("expected no sends, got %d", len(mock.Sent()))
	}
	st := rh.snapshot(t, "c1")
	if st.Status != model.CampaignStatusCompleted || st.Queued != 0 {
		t.Errorf("expected closed stats, got status=%s queued=%d", st.Status, st.Queued)
	}
}

func TestRunCampaign_PastScheduleSendsNow(t *testing.T) {
	mock := provider.NewMockSender(1.0)
	rh := newRunner(t, mock, 2)

	req := campaignRequest("a@example.com")
	earlier := time.Now().Add(-time.Minute)
	req.ScheduledFor = &earlier

	summary, err := rh.runner.RunCampaign(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Errorf("expected immediate send, got %+v", summary)
	}
}

func TestRunCampaign_InvalidRequest(t *testing.T) {
	rh := newRunner(t, provider.NewMockSender(1.0), 2)
	_, err := rh.runner.RunCampaign(context.Background(), &model.DispatchRequest{CampaignID: "c1"})
	if !errors.Is(err, appErrors.ErrInvalidDispatch) {
		t.Errorf("expected ErrInvalidDispatch, got %v", err)
	}
}

func TestRunReminders(t *testing.T) {
	mock := provider.NewMockSender(1.0)
	rh := newRunner(t, mock, 10)

	req := &model.ReminderRequest{
		WorkflowID: "wf-r1",
		TenantID:   "tenant-1",
		CampaignID: "reminders-1",
		Reminders: []model.Reminder{{
			AppointmentID: "appt-1",
			Email:         "pat@example.com",
			Name:          "Pat",
			Title:         "Dental cleaning",
			StartsAt:      time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC),
			ConfirmURL:    "https://clinic.example.com/confirm?id=appt-1",
			DeclineURL:    "https://clinic.example.com/decline?id=appt-1",
		}},
	}
	summary, err := rh.runner.RunReminders(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("expected one reminder sent, got %+v", summary)
	}

	msg := mock.Sent()[0]
	if msg.Subject != "Reminder: Dental cleaning" {
		t.Errorf("unexpected subject %q", msg.Subject)
	}
	for _, want := range []string{"Hi Pat", "Monday, March 2, 2026 at 3:30 PM UTC", "confirm%3Fid%3Dappt-1", "decline%3Fid%3Dappt-1"} {
		if !strings.Contains(msg.HTML, want) {
			t.Errorf("expected %q in reminder body:\n%s", want, msg.HTML)
		}
	}
}

func TestResumeAll(t *testing.T) {
	mock := provider.NewMockSender(1.0)
	rh := newRunner(t, mock, 10)
	ctx := context.Background()

	req := campaignRequest("a@example.com")
	payload := []byte(`{"workflow_id":"wf-c1","tenant_id":"tenant-1","campaign_id":"c1","subject":"s","html":"<p>x</p>","recipients":[{"email":"a@example.com"}]}`)
	if _, _, err := rh.engine.Start(ctx, req.WorkflowID, model.JobKindCampaignDispatch, payload); err != nil {
		t.Fatalf("start: %v", err)
	}

	n, err := rh.runner.ResumeAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one run resumed, got %d, %v", n, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, _ := rh.store.GetRun(ctx, "wf-c1")
		if run.Status == model.WorkflowCompleted {
			if len(mock.Sent()) != 1 {
				t.Errorf("expected one send, got %d", len(mock.Sent()))
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("resumed run did not complete")
}
