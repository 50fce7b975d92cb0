// Package reasoning runs the durable job queue that generates step
// explanations in the background. Jobs are keyed by (execution, step),
// persisted before processing, retried with exponential backoff on
// transient failures, and recovered from the database after a crash.
package reasoning

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a reasoning job
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Job is one unit of reasoning work: generate the explanation for a single
// step of a recorded execution.
//
// At most one non-terminal job may exist per (ExecutionID, StepName); the
// queue checks before inserting and the schema enforces it with a partial
// unique index over pending/processing rows.
type Job struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	StepName    string     `json:"step_name"`
	Attempt     int        `json:"attempt"` // 1-based; preserved across crash recovery
	Status      Status     `json:"status"`
	LastError   string     `json:"last_error,omitempty"`
	Reasoning   string     `json:"reasoning,omitempty"` // audit copy of the text written to the step
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// NewJob creates a pending first-attempt job for one execution step
func NewJob(executionID, stepName string) *Job {
	now := time.Now()
	return &Job{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		StepName:    stepName,
		Attempt:     1,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Start marks the job as processing
func (j *Job) Start() {
	now := time.Now()
	j.Status = StatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Complete marks the job as completed and records the generated text
func (j *Job) Complete(reasoning string) {
	now := time.Now()
	j.Status = StatusCompleted
	j.Reasoning = reasoning
	j.LastError = ""
	j.NextRetryAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as permanently failed with the final error
func (j *Job) Fail(err error) {
	now := time.Now()
	j.Status = StatusFailed
	if err != nil {
		j.LastError = err.Error()
	}
	j.NextRetryAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Retry returns the job to pending for another attempt at the given time.
// The attempt counter advances here and nowhere else.
func (j *Job) Retry(at time.Time, err error) {
	j.Attempt++
	j.Status = StatusPending
	if err != nil {
		j.LastError = err.Error()
	}
	j.NextRetryAt = &at
	j.StartedAt = nil
	j.UpdatedAt = time.Now()
}

// IsTerminal returns true once the job can never run again
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
