// Package trace records pipeline executions: named steps with their inputs,
// outputs, errors, and timing. Completed executions are persisted and later
// annotated with generated reasoning by the explain and reasoning packages.
package trace

import (
	"encoding/json"
	"time"

	"github.com/retracehq/retrace/errors"
)

// StepStatus represents the terminal state of a completed step
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// ExecutionStatus represents the current state of an execution
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsValidExecutionStatus returns true if the status string is a valid ExecutionStatus
func IsValidExecutionStatus(s string) bool {
	switch ExecutionStatus(s) {
	case ExecutionStatusRunning, ExecutionStatusCompleted, ExecutionStatusFailed:
		return true
	default:
		return false
	}
}

// Step is one instrumented unit of work within an Execution.
//
// A step is mutable only while held by the Tracker. Once completed (success
// or error) it is appended to its Execution and frozen; the single allowed
// later mutation is filling in Reasoning, done out-of-band by the reasoning
// queue through Store.UpdateStepReasoning.
type Step struct {
	Name       string         `json:"name"`
	Status     StepStatus     `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Error      string         `json:"error,omitempty"`
	Reasoning  *string        `json:"reasoning,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Failed returns true if the step completed with an error
func (s *Step) Failed() bool {
	return s.Error != ""
}

// HasReasoning returns true if an explanation has already been generated.
// Presence of reasoning is the idempotency signal: once set, it is never
// regenerated.
func (s *Step) HasReasoning() bool {
	return s.Reasoning != nil && *s.Reasoning != ""
}

// Execution is one recorded run of an instrumented pipeline.
//
// Steps are append-only in completion order. An execution with zero steps is
// invalid and must never be persisted.
type Execution struct {
	ID           string          `json:"id"`
	Pipeline     string          `json:"pipeline,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	FinalOutcome string          `json:"final_outcome,omitempty"`
	Steps        []Step          `json:"steps"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Step returns a pointer to the named step, or nil if the execution has no
// step with that name.
func (e *Execution) Step(name string) *Step {
	for i := range e.Steps {
		if e.Steps[i].Name == name {
			return &e.Steps[i]
		}
	}
	return nil
}

// StepsNeedingReasoning returns the names of steps without an explanation,
// in step order.
func (e *Execution) StepsNeedingReasoning() []string {
	var names []string
	for i := range e.Steps {
		if !e.Steps[i].HasReasoning() {
			names = append(names, e.Steps[i].Name)
		}
	}
	return names
}

// Validate checks the invariants required before an execution may be persisted
func (e *Execution) Validate() error {
	if e == nil {
		return errors.WrapInvalidRequest(errors.New("execution is nil"), "validate execution")
	}
	if e.ID == "" {
		return errors.WrapInvalidRequest(errors.New("execution id is empty"), "validate execution")
	}
	if len(e.Steps) == 0 {
		return errors.WrapInvalidRequest(errors.Newf("execution %s has zero steps", e.ID), "validate execution")
	}
	return nil
}

// MarshalJSONField converts a free-form map to its JSON string for storage.
// Returns "" for nil maps so the column stays NULL.
func MarshalJSONField(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal JSON field")
	}
	return string(data), nil
}

// UnmarshalJSONField converts a stored JSON string back to a map.
// Returns nil for empty strings.
func UnmarshalJSONField(data string) (map[string]any, error) {
	if data == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal JSON field")
	}
	return m, nil
}
