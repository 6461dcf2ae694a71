// internal/model/workflow.go
package model

import (
	"encoding/json"
	"time"
)

type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowCancelled WorkflowStatus = "cancelled"
	WorkflowFailed    WorkflowStatus = "failed"
)

type WorkflowRun struct {
	ID        string          `db:"id" json:"id"`
	Kind      JobKind         `db:"kind" json:"kind"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Status    WorkflowStatus  `db:"status" json:"status"`
	Error     string          `db:"error" json:"error,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// WorkflowStep is the durable log entry of one named step. A step with
// CompletedAt set is never executed again; its Result is replayed.
type WorkflowStep struct {
	WorkflowID  string          `db:"workflow_id" json:"workflow_id"`
	Name        string          `db:"step_name" json:"name"`
	Result      json.RawMessage `db:"result" json:"result,omitempty"`
	WakeAt      *time.Time      `db:"wake_at" json:"wake_at,omitempty"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}
