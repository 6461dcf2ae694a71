package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/mailtrack-backend/internal/model"
)

// WorkflowRepositoryInterface is the durable log behind the workflow engine.
type WorkflowRepositoryInterface interface {
	CreateRun(ctx context.Context, run *model.WorkflowRun) (bool, error)
	GetRun(ctx context.Context, id string) (*model.WorkflowRun, error)
	UpdateRunStatus(ctx context.Context, id string, status model.WorkflowStatus, errMsg string) error
	ListRunsByStatus(ctx context.Context, status model.WorkflowStatus) ([]model.WorkflowRun, error)

	GetStep(ctx context.Context, workflowID, name string) (*model.WorkflowStep, error)
	SaveStep(ctx context.Context, step *model.WorkflowStep) error
}

type WorkflowRepository struct {
	DB *sqlx.DB
}

var _ WorkflowRepositoryInterface = (*WorkflowRepository)(nil)

// CreateRun reports false when a run with the same id already exists.
func (r *WorkflowRepository) CreateRun(ctx context.Context, run *model.WorkflowRun) (bool, error) {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	res, err := conn(ctx, r.DB).ExecContext(ctx, `
		INSERT INTO workflow_runs (id, kind, payload, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, run.ID, run.Kind, []byte(run.Payload), run.Status, run.Error, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *WorkflowRepository) GetRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	var run model.WorkflowRun
	err := conn(ctx, r.DB).GetContext(ctx, &run, `SELECT * FROM workflow_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *WorkflowRepository) UpdateRunStatus(ctx context.Context, id string, status model.WorkflowStatus, errMsg string) error {
	_, err := conn(ctx, r.DB).ExecContext(ctx,
		`UPDATE workflow_runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		status, errMsg, time.Now().UTC(), id)
	return err
}

func (r *WorkflowRepository) ListRunsByStatus(ctx context.Context, status model.WorkflowStatus) ([]model.WorkflowRun, error) {
	runs := []model.WorkflowRun{}
	err := conn(ctx, r.DB).SelectContext(ctx, &runs,
		`SELECT * FROM workflow_runs WHERE status = $1 ORDER BY created_at`, status)
	return runs, err
}

func (r *WorkflowRepository) GetStep(ctx context.Context, workflowID, name string) (*model.WorkflowStep, error) {
	var step model.WorkflowStep
	err := conn(ctx, r.DB).GetContext(ctx, &step, `
		SELECT workflow_id, step_name, result, wake_at, completed_at, created_at
		FROM workflow_steps
		WHERE workflow_id = $1 AND step_name = $2
	`, workflowID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (r *WorkflowRepository) SaveStep(ctx context.Context, step *model.WorkflowStep) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	result := []byte("null")
	if len(step.Result) > 0 {
		result = step.Result
	}
	_, err := conn(ctx, r.DB).ExecContext(ctx, `
		INSERT INTO workflow_steps (workflow_id, step_name, result, wake_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id, step_name) DO UPDATE SET
			result = EXCLUDED.result, wake_at = EXCLUDED.wake_at, completed_at = EXCLUDED.completed_at
	`, step.WorkflowID, step.Name, result, step.WakeAt, step.CompletedAt, step.CreatedAt)
	return err
}
