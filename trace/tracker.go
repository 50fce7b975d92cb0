package trace

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/retracehq/retrace/logger"
)

// Tracker records the lifecycle of a single Execution. It is instrumentation:
// every operation is non-throwing by contract, since a recording bug must
// never crash the pipeline being recorded. Misuse (ending a step that was
// never started, starting the same step twice) is logged and tolerated.
//
// Safe for concurrent use by multiple goroutines.
type Tracker struct {
	mu        sync.Mutex
	execution *Execution
	active    map[string]*Step
	ended     bool
	log       *zap.SugaredLogger
}

// NewTracker creates a tracker for one pipeline run. The execution ID is
// caller-supplied and is the primary key for all later lookups; pipeline is
// an optional label for listing and filtering.
func NewTracker(executionID, pipeline string, log *zap.SugaredLogger) *Tracker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tracker{
		execution: &Execution{
			ID:        executionID,
			Pipeline:  pipeline,
			Status:    ExecutionStatusRunning,
			StartedAt: time.Now().UTC(),
			CreatedAt: time.Now().UTC(),
		},
		active: make(map[string]*Step),
		log:    log,
	}
}

// StartStep registers an in-flight step keyed by name. Starting a name that
// is already active replaces the pending record (last write wins); that is a
// caller error, so it is logged loudly, but the overwrite semantics are kept.
func (t *Tracker) StartStep(name string, input map[string]any, metadata map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ended {
		t.log.Warnw("step started after execution ended, ignoring",
			logger.FieldExecutionID, t.execution.ID,
			logger.FieldStep, name)
		return
	}
	if _, exists := t.active[name]; exists {
		t.log.Warnw("step started twice without ending, replacing pending record",
			logger.FieldExecutionID, t.execution.ID,
			logger.FieldStep, name)
	}
	t.active[name] = &Step{
		Name:      name,
		Input:     input,
		Metadata:  metadata,
		StartedAt: time.Now().UTC(),
	}
}

// EndStep completes an active step with its output and appends it to the
// execution. No-op with a warning if the step was never started.
func (t *Tracker) EndStep(name string, output map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	step, ok := t.active[name]
	if !ok {
		t.log.Warnw("step ended without matching start, ignoring",
			logger.FieldExecutionID, t.execution.ID,
			logger.FieldStep, name)
		return
	}
	step.Output = output
	step.Status = StepStatusCompleted
	t.finishStep(step)
}

// ErrorStep completes an active step with a failure message. No-op with a
// warning if the step was never started.
func (t *Tracker) ErrorStep(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	step, ok := t.active[name]
	if !ok {
		t.log.Warnw("step errored without matching start, ignoring",
			logger.FieldExecutionID, t.execution.ID,
			logger.FieldStep, name)
		return
	}
	if err != nil {
		step.Error = err.Error()
	} else {
		step.Error = "unknown error"
	}
	step.Status = StepStatusFailed
	t.finishStep(step)
}

// finishStep stamps timing and moves the step from the active map to the
// execution's ordered list. Caller holds t.mu.
func (t *Tracker) finishStep(step *Step) {
	now := time.Now().UTC()
	step.EndedAt = &now
	step.DurationMs = now.Sub(step.StartedAt).Milliseconds()
	delete(t.active, step.Name)
	t.execution.Steps = append(t.execution.Steps, *step)
}

// End closes the execution and returns the finished snapshot. Steps still
// active at this point are dropped, never completed and never explained; each
// dropped step is logged as a warning. This mirrors fire-and-forget callers
// that start a step and abandon it, so End does not auto-close them.
//
// Calling End twice returns the same snapshot and logs a warning.
func (t *Tracker) End(finalOutcome string) *Execution {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ended {
		t.log.Warnw("execution ended twice",
			logger.FieldExecutionID, t.execution.ID)
		return t.execution
	}
	t.ended = true

	for name := range t.active {
		t.log.Warnw("execution ended with step still active, dropping",
			logger.FieldExecutionID, t.execution.ID,
			logger.FieldStep, name)
		delete(t.active, name)
	}

	now := time.Now().UTC()
	t.execution.EndedAt = &now
	t.execution.DurationMs = now.Sub(t.execution.StartedAt).Milliseconds()
	t.execution.FinalOutcome = finalOutcome
	t.execution.Status = ExecutionStatusCompleted
	for i := range t.execution.Steps {
		if t.execution.Steps[i].Failed() {
			t.execution.Status = ExecutionStatusFailed
			break
		}
	}
	return t.execution
}

// ActiveSteps returns the names of steps started but not yet ended, for
// diagnostics.
func (t *Tracker) ActiveSteps() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.active))
	for name := range t.active {
		names = append(names, name)
	}
	return names
}
