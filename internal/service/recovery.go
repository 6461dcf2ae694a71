package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
	"github.com/unclebandit/mailtrack-backend/internal/model"
)

type ResendResult struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// RecoveryManager resubmits jobs whose hand-off to the transport failed.
// Pending jobs younger than MinAge are skipped while their first publish may
// still be in flight.
type RecoveryManager struct {
	Dispatch  *DispatchService
	BatchSize int
	MinAge    time.Duration
}

func NewRecoveryManager(dispatch *DispatchService) *RecoveryManager {
	return &RecoveryManager{Dispatch: dispatch, BatchSize: 100}
}

// ListPending returns pending or failed jobs that still have retries left.
func (m *RecoveryManager) ListPending(ctx context.Context) ([]model.PendingJob, error) {
	jobs, err := m.Dispatch.Jobs.ListPendingJobs(ctx, m.BatchSize)
	if err != nil {
		return nil, err
	}
	if m.MinAge <= 0 {
		return jobs, nil
	}
	cutoff := time.Now().UTC().Add(-m.MinAge)
	eligible := jobs[:0]
	for _, job := range jobs {
		if job.Status == model.JobStatusPending && job.UpdatedAt.After(cutoff) {
			continue
		}
		eligible = append(eligible, job)
	}
	return eligible, nil
}

// ResendPending spends one retry on every eligible job and publishes it
// again. Jobs without retries left are not touched.
func (m *RecoveryManager) ResendPending(ctx context.Context) (*ResendResult, error) {
	jobs, err := m.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	result := &ResendResult{Total: len(jobs)}
	for i := range jobs {
		job := &jobs[i]
		job.RetryCount++
		if err := m.Dispatch.Jobs.UpdateJob(ctx, job); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("failed to count job retry")
			result.Failed++
			continue
		}
		if err := m.Dispatch.publish(ctx, job); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Int("retry", job.RetryCount).Msg("⚠️ resubmission failed")
			result.Failed++
			continue
		}
		result.Success++
	}

	if result.Total > 0 {
		log.Info().Int("total", result.Total).Int("success", result.Success).Int("failed", result.Failed).Msg("recovery sweep finished")
	}
	return result, nil
}

// Cancel stops a pending or failed job from being retried.
func (m *RecoveryManager) Cancel(ctx context.Context, jobID string) (*model.PendingJob, error) {
	job, err := m.Dispatch.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, appErrors.NewJobNotFound(jobID)
	}

	from := []model.JobStatus{model.JobStatusPending, model.JobStatusFailed}
	moved, err := m.Dispatch.Jobs.TransitionJob(ctx, jobID, from, model.JobStatusCancelled, job.LastError)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, appErrors.ErrJobNotCancellable
	}
	job.Status = model.JobStatusCancelled
	log.Info().Str("job_id", jobID).Msg("pending job cancelled")
	return job, nil
}

// Run sweeps every interval until ctx ends.
func (m *RecoveryManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ResendPending(ctx); err != nil {
				log.Error().Err(err).Msg("⚠️ recovery sweep failed")
			}
		}
	}
}
