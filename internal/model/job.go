// internal/model/job.go
package model

import (
	"encoding/json"
	"time"
)

type JobKind string

const (
	JobKindCampaignDispatch JobKind = "campaign_dispatch"
	JobKindBulkReminder     JobKind = "bulk_reminder"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusSubmitted JobStatus = "submitted"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// PendingJob records a job submission before it is handed to the transport,
// so a failed hand-off can be retried later.
type PendingJob struct {
	ID         string          `db:"id" json:"id"`
	TenantID   string          `db:"tenant_id" json:"tenant_id"`
	Kind       JobKind         `db:"kind" json:"kind"`
	WorkflowID string          `db:"workflow_id" json:"workflow_id"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Status     JobStatus       `db:"status" json:"status"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	MaxRetries int             `db:"max_retries" json:"max_retries"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Recoverable reports whether the recovery sweep may resubmit the job.
func (j *PendingJob) Recoverable() bool {
	return (j.Status == JobStatusPending || j.Status == JobStatusFailed) && j.RetryCount < j.MaxRetries
}

// JobEnvelope is the message published on the job transport.
type JobEnvelope struct {
	JobID   string          `json:"job_id"`
	Kind    JobKind         `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}
