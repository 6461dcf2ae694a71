package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
	"github.com/unclebandit/mailtrack-backend/internal/model"
	"github.com/unclebandit/mailtrack-backend/internal/queue"
	"github.com/unclebandit/mailtrack-backend/internal/repository"
	"github.com/unclebandit/mailtrack-backend/internal/workflow"
)

// DispatchService hands dispatch jobs to the workers. A job is stored as
// pending before it is published, so a transport outage leaves a record the
// recovery sweep can resubmit.
type DispatchService struct {
	Jobs       repository.JobRepositoryInterface
	Queue      queue.Queue
	Engine     *workflow.Engine
	MaxRetries int
}

func NewDispatchService(jobs repository.JobRepositoryInterface, q queue.Queue, engine *workflow.Engine, maxRetries int) *DispatchService {
	if maxRetries <= 0 {
		maxRetries = queue.DefaultMaxRetries
	}
	return &DispatchService{Jobs: jobs, Queue: q, Engine: engine, MaxRetries: maxRetries}
}

// Submit records and publishes a campaign dispatch. A publish failure is not
// returned: the job comes back with status failed and is retried later.
func (s *DispatchService) Submit(ctx context.Context, req *model.DispatchRequest) (*model.PendingJob, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", appErrors.ErrInvalidDispatch, err)
	}
	if req.WorkflowID == "" {
		req.WorkflowID = uuid.NewString()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, req.TenantID, model.JobKindCampaignDispatch, req.WorkflowID, payload)
}

func (s *DispatchService) SubmitReminders(ctx context.Context, req *model.ReminderRequest) (*model.PendingJob, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", appErrors.ErrInvalidDispatch, err)
	}
	if req.WorkflowID == "" {
		req.WorkflowID = uuid.NewString()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, req.TenantID, model.JobKindBulkReminder, req.WorkflowID, payload)
}

// Cancel stops a scheduled or running workflow. Batches already sent stay
// sent.
func (s *DispatchService) Cancel(ctx context.Context, workflowID string) error {
	return s.Engine.Cancel(ctx, workflowID)
}

func (s *DispatchService) submit(ctx context.Context, tenantID string, kind model.JobKind, workflowID string, payload []byte) (*model.PendingJob, error) {
	job := &model.PendingJob{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Kind:       kind,
		WorkflowID: workflowID,
		Payload:    payload,
		Status:     model.JobStatusPending,
		MaxRetries: s.MaxRetries,
	}
	if err := s.Jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("record pending job: %w", err)
	}
	if err := s.publish(ctx, job); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("⚠️ job left for recovery")
	}
	return job, nil
}

// publish sends job to its topic and records the outcome on the job.
func (s *DispatchService) publish(ctx context.Context, job *model.PendingJob) error {
	body, err := json.Marshal(model.JobEnvelope{JobID: job.ID, Kind: job.Kind, Payload: job.Payload})
	if err != nil {
		return err
	}

	from := []model.JobStatus{model.JobStatusPending, model.JobStatusFailed}
	if perr := s.Queue.Publish(ctx, TopicFor(job.Kind), body); perr != nil {
		job.Status = model.JobStatusFailed
		job.LastError = perr.Error()
		if _, err := s.Jobs.TransitionJob(ctx, job.ID, from, model.JobStatusFailed, job.LastError); err != nil {
			return err
		}
		return fmt.Errorf("%w: %v", appErrors.ErrTransportUnavailable, perr)
	}

	// a fast consumer may already have finished the job
	moved, err := s.Jobs.TransitionJob(ctx, job.ID, from, model.JobStatusSubmitted, "")
	if err != nil {
		return err
	}
	if moved {
		job.Status = model.JobStatusSubmitted
		job.LastError = ""
	} else if current, err := s.Jobs.GetJob(ctx, job.ID); err == nil && current != nil {
		*job = *current
	}
	log.Info().Str("job_id", job.ID).Str("kind", string(job.Kind)).Str("workflow_id", job.WorkflowID).Msg("job submitted")
	return nil
}

// TopicFor is the transport topic of a job kind.
func TopicFor(kind model.JobKind) string {
	if kind == model.JobKindBulkReminder {
		return queue.TopicBulkReminders
	}
	return queue.TopicCampaignDispatch
}
