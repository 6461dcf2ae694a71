package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
	"github.com/unclebandit/mailtrack-backend/internal/model"
	"github.com/unclebandit/mailtrack-backend/internal/queue"
	"github.com/unclebandit/mailtrack-backend/internal/repository"
)

// JobConsumer runs jobs taken off the transport and records their outcome on
// the pending job.
type JobConsumer struct {
	Jobs   repository.JobRepositoryInterface
	Runner *JobRunner
}

func NewJobConsumer(jobs repository.JobRepositoryInterface, runner *JobRunner) *JobConsumer {
	return &JobConsumer{Jobs: jobs, Runner: runner}
}

// Subscribe attaches the consumer to both dispatch topics.
func (c *JobConsumer) Subscribe(q queue.Queue) error {
	for _, topic := range []string{queue.TopicCampaignDispatch, queue.TopicBulkReminders} {
		if err := q.Subscribe(topic, c.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Handle executes one job envelope. A run that fails is marked failed and
// acknowledged; resubmission belongs to the recovery sweep. Only bodies that
// cannot be decoded are rejected.
func (c *JobConsumer) Handle(ctx context.Context, body []byte) error {
	var env model.JobEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode job envelope: %w", err)
	}
	logger := log.With().Str("job_id", env.JobID).Str("kind", string(env.Kind)).Logger()

	if env.JobID != "" {
		job, err := c.Jobs.GetJob(ctx, env.JobID)
		if err != nil {
			return err
		}
		if job != nil && (job.Status == model.JobStatusCancelled || job.Status == model.JobStatusCompleted) {
			logger.Info().Str("status", string(job.Status)).Msg("skipping finished job")
			return nil
		}
	}

	summary, runErr := c.run(ctx, env)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("⚠️ job failed")
		c.mark(ctx, env.JobID, model.JobStatusFailed, runErr.Error())
		return nil
	}
	logger.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Bool("cancelled", summary.Cancelled).
		Msg("job completed")
	c.mark(ctx, env.JobID, model.JobStatusCompleted, "")
	return nil
}

func (c *JobConsumer) run(ctx context.Context, env model.JobEnvelope) (*model.DispatchSummary, error) {
	switch env.Kind {
	case model.JobKindCampaignDispatch:
		var req model.DispatchRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", appErrors.ErrInvalidDispatch, err)
		}
		return c.Runner.RunCampaign(ctx, &req)
	case model.JobKindBulkReminder:
		var req model.ReminderRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", appErrors.ErrInvalidDispatch, err)
		}
		return c.Runner.RunReminders(ctx, &req)
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", appErrors.ErrInvalidDispatch, env.Kind)
	}
}

func (c *JobConsumer) mark(ctx context.Context, jobID string, status model.JobStatus, lastError string) {
	if jobID == "" {
		return
	}
	from := []model.JobStatus{model.JobStatusPending, model.JobStatusSubmitted, model.JobStatusFailed}
	if _, err := c.Jobs.TransitionJob(ctx, jobID, from, status, lastError); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("job_id", jobID).Msg("failed to update job status")
		}
	}
}
