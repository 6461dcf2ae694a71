package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
	"github.com/unclebandit/mailtrack-backend/internal/model"
	"github.com/unclebandit/mailtrack-backend/internal/provider"
	"github.com/unclebandit/mailtrack-backend/internal/workflow"
)

type RunnerConfig struct {
	BatchSize       int
	BatchDelay      time.Duration
	SendTimeout     time.Duration
	MaxAttempts     int
	Backoff         time.Duration
	From            string
	ReplyTo         string
	TrackingBaseURL string
	TrackingSecret  string
}

// JobRunner executes campaign and reminder dispatches as durable workflows:
// every recipient send is a logged step, so a resumed run skips recipients
// that were already handled.
type JobRunner struct {
	Engine   *workflow.Engine
	Ledger   *EventLedger
	Stats    *StatsAggregator
	Sender   provider.Sender
	Renderer *TemplateRenderer
	Links    *LinkSigner
	Config   RunnerConfig
}

func NewJobRunner(engine *workflow.Engine, ledger *EventLedger, stats *StatsAggregator, sender provider.Sender, renderer *TemplateRenderer, cfg RunnerConfig) *JobRunner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &JobRunner{
		Engine:   engine,
		Ledger:   ledger,
		Stats:    stats,
		Sender:   sender,
		Renderer: renderer,
		Links:    NewLinkSigner(cfg.TrackingSecret),
		Config:   cfg,
	}
}

// intentNamespace seeds deterministic intent ids.
var intentNamespace = uuid.MustParse("6f1c2b7e-3d4a-5e8f-9a0b-1c2d3e4f5a6b")

// IntentID is the id the intent of email gets in workflowID. It is known
// before the send so tracking links can carry it.
func IntentID(workflowID, email string) string {
	return uuid.NewSHA1(intentNamespace, []byte(workflowID+":"+normalizeEmail(email))).String()
}

// workItem is one message of a dispatch. Content is rendered when the item
// is sent, not when the run is planned.
type workItem struct {
	Email         string
	RecipientID   string
	RecipientName string
	render        func() (subject, html string, err error)
}

type dispatchRun struct {
	WorkflowID   string
	Kind         model.JobKind
	Payload      []byte
	TenantID     string
	CampaignID   string
	From         string
	ReplyTo      string
	Tags         []string
	ScheduledFor *time.Time
	Tracking     bool
	Items        []workItem
}

// RunCampaign sends req to every recipient and returns the per-recipient
// outcome. A recipient that cannot be sent is recorded as failed and the
// campaign carries on; only campaign-level failures return an error.
func (r *JobRunner) RunCampaign(ctx context.Context, req *model.DispatchRequest) (*model.DispatchSummary, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", appErrors.ErrInvalidDispatch, err)
	}
	if req.WorkflowID == "" {
		req.WorkflowID = req.CampaignID
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	run := &dispatchRun{
		WorkflowID:   req.WorkflowID,
		Kind:         model.JobKindCampaignDispatch,
		Payload:      payload,
		TenantID:     req.TenantID,
		CampaignID:   req.CampaignID,
		From:         req.From,
		ReplyTo:      req.ReplyTo,
		Tags:         req.Tags,
		ScheduledFor: req.ScheduledFor,
		Tracking:     req.TrackingEnabled,
	}
	seen := map[string]bool{}
	for _, rcpt := range req.Recipients {
		email := normalizeEmail(rcpt.Email)
		if seen[email] {
			continue
		}
		seen[email] = true

		rcpt := rcpt
		vars := RecipientVars(rcpt)
		run.Items = append(run.Items, workItem{
			Email:         email,
			RecipientID:   rcpt.ContactID,
			RecipientName: rcpt.Name(),
			render: func() (string, string, error) {
				subject := r.Renderer.Personalize(req.Subject, vars)
				body := r.Renderer.Personalize(req.HTML, EscapeVars(vars))
				return subject, body, nil
			},
		})
	}
	return r.run(ctx, run)
}

// RunReminders sends one templated reminder per appointment with confirm and
// decline links. Each reminder succeeds or fails on its own.
func (r *JobRunner) RunReminders(ctx context.Context, req *model.ReminderRequest) (*model.DispatchSummary, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", appErrors.ErrInvalidDispatch, err)
	}
	if req.WorkflowID == "" {
		req.WorkflowID = req.CampaignID
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	run := &dispatchRun{
		WorkflowID:   req.WorkflowID,
		Kind:         model.JobKindBulkReminder,
		Payload:      payload,
		TenantID:     req.TenantID,
		CampaignID:   req.CampaignID,
		Tags:         []string{"reminder"},
		ScheduledFor: req.ScheduledFor,
		Tracking:     true,
	}
	seen := map[string]bool{}
	for _, rem := range req.Reminders {
		email := normalizeEmail(rem.Email)
		if seen[email] {
			continue
		}
		seen[email] = true

		rem := rem
		run.Items = append(run.Items, workItem{
			Email:         email,
			RecipientID:   rem.AppointmentID,
			RecipientName: rem.Name,
			render: func() (string, string, error) {
				return r.Renderer.RenderReminder(req.Subject, rem)
			},
		})
	}
	return r.run(ctx, run)
}

// Resume continues an unfinished workflow run from its stored payload.
func (r *JobRunner) Resume(ctx context.Context, run *model.WorkflowRun) (*model.DispatchSummary, error) {
	switch run.Kind {
	case model.JobKindCampaignDispatch:
		var req model.DispatchRequest
		if err := json.Unmarshal(run.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode campaign payload of %s: %w", run.ID, err)
		}
		req.WorkflowID = run.ID
		return r.RunCampaign(ctx, &req)
	case model.JobKindBulkReminder:
		var req model.ReminderRequest
		if err := json.Unmarshal(run.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode reminder payload of %s: %w", run.ID, err)
		}
		req.WorkflowID = run.ID
		return r.RunReminders(ctx, &req)
	default:
		return nil, fmt.Errorf("workflow %s has unknown kind %q", run.ID, run.Kind)
	}
}

// ResumeAll restarts every run left running by a previous process. Runs are
// resumed concurrently; ResumeAll does not wait for them.
func (r *JobRunner) ResumeAll(ctx context.Context) (int, error) {
	runs, err := r.Engine.Store.ListRunsByStatus(ctx, model.WorkflowRunning)
	if err != nil {
		return 0, fmt.Errorf("list running workflows: %w", err)
	}
	for i := range runs {
		run := runs[i]
		go func() {
			log.Info().Str("workflow_id", run.ID).Str("kind", string(run.Kind)).Msg("resuming workflow")
			if _, err := r.Resume(ctx, &run); err != nil {
				log.Error().Err(err).Str("workflow_id", run.ID).Msg("⚠️ resumed workflow failed")
			}
		}()
	}
	return len(runs), nil
}

func (r *JobRunner) run(ctx context.Context, d *dispatchRun) (*model.DispatchSummary, error) {
	logger := log.With().Str("workflow_id", d.WorkflowID).Str("campaign_id", d.CampaignID).Logger()

	wf, created, err := r.Engine.Start(ctx, d.WorkflowID, d.Kind, d.Payload)
	if err != nil {
		return nil, err
	}
	defer r.Engine.Release(d.WorkflowID)

	summary := &model.DispatchSummary{
		WorkflowID: d.WorkflowID,
		CampaignID: d.CampaignID,
		Total:      len(d.Items),
		Results:    []model.RecipientResult{},
	}
	switch {
	case wf.Status == model.WorkflowCancelled:
		logger.Info().Msg("workflow was cancelled before it started")
		summary.Cancelled = true
		return summary, nil
	case !created:
		logger.Info().Str("status", string(wf.Status)).Msg("workflow already known, replaying completed steps")
		if wf.Status != model.WorkflowRunning {
			if err := r.Engine.Store.UpdateRunStatus(ctx, d.WorkflowID, model.WorkflowRunning, ""); err != nil {
				return nil, err
			}
		}
	}

	if _, err := workflow.Do(ctx, r.Engine, d.WorkflowID, "init-stats", func(ctx context.Context) (bool, error) {
		err := r.Ledger.Tx.WithTransaction(ctx, func(ctx context.Context) error {
			if err := r.Ledger.ResetCampaign(ctx, d.CampaignID); err != nil {
				return err
			}
			return r.Stats.InitCampaign(ctx, d.TenantID, d.CampaignID, len(d.Items))
		})
		return err == nil, err
	}); err != nil {
		r.fail(ctx, d.WorkflowID, err)
		return nil, fmt.Errorf("initialize campaign %s: %w", d.CampaignID, err)
	}

	if d.ScheduledFor != nil {
		logger.Info().Time("scheduled_for", *d.ScheduledFor).Msg("waiting for scheduled send time")
		if err := r.Engine.SleepUntil(ctx, d.WorkflowID, "sleep-until-scheduled", *d.ScheduledFor); err != nil {
			if errors.Is(err, appErrors.ErrWorkflowCancelled) {
				return r.cancelled(ctx, d, summary, logger)
			}
			return nil, err
		}
	}

	size := r.Config.BatchSize
	batches := (len(d.Items) + size - 1) / size
	for b := 0; b < batches; b++ {
		if err := r.Engine.CheckCancelled(ctx, d.WorkflowID); err != nil {
			if errors.Is(err, appErrors.ErrWorkflowCancelled) {
				return r.cancelled(ctx, d, summary, logger)
			}
			return nil, err
		}

		start, end := b*size, (b+1)*size
		if end > len(d.Items) {
			end = len(d.Items)
		}
		step := fmt.Sprintf("batch-%d", b)
		replayed, err := r.Engine.Done(ctx, d.WorkflowID, step)
		if err != nil {
			return nil, err
		}

		results, err := workflow.Do(ctx, r.Engine, d.WorkflowID, step, func(ctx context.Context) ([]model.RecipientResult, error) {
			batchID := fmt.Sprintf("%s:%d", d.WorkflowID, b)
			out := make([]model.RecipientResult, 0, end-start)
			for i := start; i < end; i++ {
				item := d.Items[i]
				res, err := workflow.Do(ctx, r.Engine, d.WorkflowID, fmt.Sprintf("send-%d", i), func(ctx context.Context) (model.RecipientResult, error) {
					return r.sendOne(ctx, d, batchID, item)
				})
				if err != nil {
					return nil, err
				}
				out = append(out, res)
			}
			return out, nil
		})
		if err != nil {
			r.fail(ctx, d.WorkflowID, err)
			return nil, fmt.Errorf("run batch %d of campaign %s: %w", b, d.CampaignID, err)
		}
		summary.Add(results)
		logger.Debug().Int("batch", b).Int("size", len(results)).Bool("replayed", replayed).Msg("batch finished")

		if b < batches-1 && !replayed {
			if err := r.Engine.Sleep(ctx, d.WorkflowID, r.Config.BatchDelay); err != nil {
				if errors.Is(err, appErrors.ErrWorkflowCancelled) {
					return r.cancelled(ctx, d, summary, logger)
				}
				return nil, err
			}
		}
	}

	if err := r.complete(ctx, d, summary); err != nil {
		return nil, err
	}
	if err := r.Engine.Finish(ctx, d.WorkflowID, model.WorkflowCompleted, nil); err != nil {
		return nil, err
	}
	logger.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("✅ dispatch finished")
	return summary, nil
}

// cancelled closes the stats of a cancelled run. Recipients that were never
// reached stay without an intent.
func (r *JobRunner) cancelled(ctx context.Context, d *dispatchRun, summary *model.DispatchSummary, logger zerolog.Logger) (*model.DispatchSummary, error) {
	summary.Cancelled = true
	if err := r.complete(ctx, d, summary); err != nil {
		return nil, err
	}
	if err := r.Engine.Finish(ctx, d.WorkflowID, model.WorkflowCancelled, nil); err != nil {
		return nil, err
	}
	logger.Info().Int("succeeded", summary.Succeeded).Int("failed", summary.Failed).Msg("dispatch cancelled")
	return summary, nil
}

func (r *JobRunner) complete(ctx context.Context, d *dispatchRun, summary *model.DispatchSummary) error {
	_, err := workflow.Do(ctx, r.Engine, d.WorkflowID, "complete-stats", func(ctx context.Context) (bool, error) {
		err := r.Stats.CompleteCampaign(ctx, d.CampaignID, summary.Succeeded, summary.Failed)
		return err == nil, err
	})
	return err
}

func (r *JobRunner) fail(ctx context.Context, workflowID string, cause error) {
	if err := r.Engine.Finish(ctx, workflowID, model.WorkflowFailed, cause); err != nil {
		log.Error().Err(err).Str("workflow_id", workflowID).Msg("failed to mark workflow failed")
	}
}

// sendOne renders, sends and records one recipient. Send failures become a
// failed intent; only a ledger failure is returned as an error.
func (r *JobRunner) sendOne(ctx context.Context, d *dispatchRun, batchID string, item workItem) (model.RecipientResult, error) {
	intentID := IntentID(d.WorkflowID, item.Email)
	result := model.RecipientResult{Email: item.Email}

	messageID := ""
	subject, body, sendErr := item.render()
	if sendErr == nil {
		if d.Tracking && r.Config.TrackingBaseURL != "" {
			body = r.Links.AddTracking(body, r.Config.TrackingBaseURL, intentID)
		}
		messageID, sendErr = r.sendWithRetry(ctx, &provider.Message{
			To:             []string{item.Email},
			From:           firstNonEmpty(d.From, r.Config.From),
			ReplyTo:        firstNonEmpty(d.ReplyTo, r.Config.ReplyTo),
			Subject:        subject,
			HTML:           body,
			Tags:           messageTags(d),
			IdempotencyKey: d.WorkflowID + ":" + item.Email,
		})
	}

	status := model.SendStatusSent
	if sendErr != nil {
		status = model.SendStatusFailed
		result.Error = sendErr.Error()
		log.Warn().Err(sendErr).Str("campaign_id", d.CampaignID).Str("recipient", item.Email).Msg("⚠️ send failed")
	}

	intent, err := r.Ledger.RecordIntent(ctx, IntentParams{
		ID:                intentID,
		TenantID:          d.TenantID,
		CampaignID:        d.CampaignID,
		BatchID:           batchID,
		RecipientEmail:    item.Email,
		RecipientID:       item.RecipientID,
		RecipientName:     item.RecipientName,
		Status:            status,
		ProviderMessageID: messageID,
		Error:             result.Error,
	})
	if err != nil {
		return result, fmt.Errorf("record intent for %s: %w", item.Email, err)
	}

	result.Success = sendErr == nil
	result.IntentID = intent.ID
	result.ProviderMessageID = messageID
	return result, nil
}

// sendWithRetry bounds each attempt by the send timeout and retries
// transient failures with linear backoff.
func (r *JobRunner) sendWithRetry(ctx context.Context, msg *provider.Message) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.Config.MaxAttempts; attempt++ {
		sendCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.Config.SendTimeout > 0 {
			sendCtx, cancel = context.WithTimeout(ctx, r.Config.SendTimeout)
		}
		id, err := r.Sender.Send(sendCtx, msg)
		cancel()
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !retryable(err) || attempt == r.Config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt) * r.Config.Backoff):
		}
	}
	return "", lastErr
}

func retryable(err error) bool {
	var perr *appErrors.ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

func messageTags(d *dispatchRun) []provider.Tag {
	tags := []provider.Tag{{Name: "campaign_id", Value: d.CampaignID}}
	for i, t := range d.Tags {
		tags = append(tags, provider.Tag{Name: fmt.Sprintf("tag_%d", i), Value: t})
	}
	return tags
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
