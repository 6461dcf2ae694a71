package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/unclebandit/mailtrack-backend/internal/model"
)

type JobRepositoryInterface interface {
	CreateJob(ctx context.Context, job *model.PendingJob) error
	GetJob(ctx context.Context, id string) (*model.PendingJob, error)
	UpdateJob(ctx context.Context, job *model.PendingJob) error
	// TransitionJob moves a job to status only if it is currently in one of
	// from. It reports whether the job moved.
	TransitionJob(ctx context.Context, id string, from []model.JobStatus, to model.JobStatus, lastError string) (bool, error)
	// ListPendingJobs returns pending or failed jobs with retries left, oldest first.
	ListPendingJobs(ctx context.Context, limit int) ([]model.PendingJob, error)
}

type JobRepository struct {
	DB *sqlx.DB
}

var _ JobRepositoryInterface = (*JobRepository)(nil)

func (r *JobRepository) CreateJob(ctx context.Context, job *model.PendingJob) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := conn(ctx, r.DB).ExecContext(ctx, `
		INSERT INTO pending_jobs
		(id, tenant_id, kind, workflow_id, payload, status, retry_count, max_retries, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		job.ID, job.TenantID, job.Kind, job.WorkflowID, []byte(job.Payload), job.Status,
		job.RetryCount, job.MaxRetries, job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (r *JobRepository) GetJob(ctx context.Context, id string) (*model.PendingJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	var job model.PendingJob
	err := conn(ctx, r.DB).GetContext(ctx, &job, `SELECT * FROM pending_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *JobRepository) UpdateJob(ctx context.Context, job *model.PendingJob) error {
	job.UpdatedAt = time.Now().UTC()
	_, err := conn(ctx, r.DB).ExecContext(ctx, `
		UPDATE pending_jobs
		SET status = $1, retry_count = $2, last_error = $3, updated_at = $4
		WHERE id = $5
	`, job.Status, job.RetryCount, job.LastError, job.UpdatedAt, job.ID)
	return err
}

func (r *JobRepository) TransitionJob(ctx context.Context, id string, from []model.JobStatus, to model.JobStatus, lastError string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}
	res, err := conn(ctx, r.DB).ExecContext(ctx, `
		UPDATE pending_jobs
		SET status = $2, last_error = $3, updated_at = $4
		WHERE id = $1 AND status = ANY($5)
	`, id, to, lastError, time.Now().UTC(), pq.Array(statuses))
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *JobRepository) ListPendingJobs(ctx context.Context, limit int) ([]model.PendingJob, error) {
	jobs := []model.PendingJob{}
	err := conn(ctx, r.DB).SelectContext(ctx, &jobs, `
		SELECT * FROM pending_jobs
		WHERE status IN ('pending', 'failed') AND retry_count < max_retries
		ORDER BY created_at
		LIMIT $1
	`, limit)
	return jobs, err
}
