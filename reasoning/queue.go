package reasoning

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/retracehq/retrace/errors"
	"github.com/retracehq/retrace/logger"
	"github.com/retracehq/retrace/sym"
	"github.com/retracehq/retrace/trace"
)

// SubmitChannelBufferSize is the buffer of the worker submission channel.
// Overflow beyond the buffer is delivered by a goroutine per job so Enqueue
// never blocks the caller.
const SubmitChannelBufferSize = 64

// SubscriberChannelBufferSize is the buffer of each Subscribe channel.
// Notification sends are non-blocking; a subscriber that falls this far
// behind misses updates instead of stalling the workers.
const SubscriberChannelBufferSize = 16

// ExecutionReader is the slice of execution storage the queue needs:
// loading a recorded execution and writing one step's reasoning back.
// *trace.Store satisfies it.
type ExecutionReader interface {
	GetExecutionByID(id string) (*trace.Execution, error)
	UpdateStepReasoning(executionID, stepName, reasoning string) error
}

// Queue accepts reasoning work and owns its bookkeeping: the durable job
// store, in-memory counters, and the submission channel the worker pool
// consumes.
//
// Jobs are persisted before they are submitted. When the durable write
// fails the queue degrades rather than refuses: the job is tracked in
// memory, still processed, and simply will not survive a crash.
type Queue struct {
	store      *JobStore
	executions ExecutionReader
	cfg        Config
	log        *zap.SugaredLogger

	submissions chan *Job
	overflow    atomic.Int32

	enqueued      atomic.Int64
	completed     atomic.Int64
	failed        atomic.Int64
	retried       atomic.Int64
	activeWorkers atomic.Int32

	mu          sync.Mutex
	mem         map[string]Job // snapshots of jobs that never made it to the store
	waiters     map[string][]chan struct{}
	subscribers []chan *Job
}

// NewQueue creates a reasoning queue over the given job store and execution
// storage. The config is shared with the worker pool that drains the queue.
func NewQueue(store *JobStore, executions ExecutionReader, cfg Config, log *zap.SugaredLogger) *Queue {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{
		store:       store,
		executions:  executions,
		cfg:         cfg.withDefaults(),
		log:         log,
		submissions: make(chan *Job, SubmitChannelBufferSize),
		mem:         make(map[string]Job),
		waiters:     make(map[string][]chan struct{}),
	}
}

// Store returns the underlying job store (for the CLI listing paths)
func (q *Queue) Store() *JobStore {
	return q.store
}

// Enqueue creates a reasoning job for one execution step and submits it for
// processing. If an active job already exists for the step it is returned
// as-is; the step is never double-queued.
func (q *Queue) Enqueue(executionID, stepName string) (*Job, error) {
	if executionID == "" || stepName == "" {
		return nil, errors.NewInvalidRequestError("execution id and step name are required")
	}

	existing, err := q.store.FindActiveJobForStep(executionID, stepName)
	if err != nil {
		// Treat lookup failure like the degraded-write case below: carry on
		// and let the partial unique index catch a true duplicate.
		q.log.Warnw(sym.Queue+" Active-job lookup failed, enqueueing anyway",
			logger.FieldExecutionID, executionID,
			logger.FieldStep, stepName,
			"error", err)
	}
	if existing != nil {
		q.log.Debugw(sym.Queue+" Step already has an active job",
			logger.FieldJobID, existing.ID,
			logger.FieldExecutionID, executionID,
			logger.FieldStep, stepName,
			logger.FieldStatus, existing.Status)
		return existing, nil
	}

	job := NewJob(executionID, stepName)
	if err := q.store.CreateJob(job); err != nil {
		q.log.Errorw(sym.Queue+" Failed to persist job, continuing in memory only",
			logger.FieldJobID, job.ID,
			logger.FieldExecutionID, executionID,
			logger.FieldStep, stepName,
			"error", err)
		q.rememberMemoryOnly(job)
	}

	q.enqueued.Add(1)
	q.submit(job)

	q.log.Debugw(sym.Queue+" Reasoning job enqueued",
		logger.FieldJobID, job.ID,
		logger.FieldExecutionID, executionID,
		logger.FieldStep, stepName)
	return job, nil
}

// EnqueueExecution enqueues a job for every step of the execution that does
// not have reasoning yet and returns how many were enqueued. Steps with
// reasoning are skipped; re-running after a partial pass only queues the
// remainder.
func (q *Queue) EnqueueExecution(executionID string) (int, error) {
	exec, err := q.executions.GetExecutionByID(executionID)
	if err != nil {
		return 0, errors.Wrapf(err, "cannot enqueue reasoning for execution %s", executionID)
	}

	names := exec.StepsNeedingReasoning()
	for _, name := range names {
		if _, err := q.Enqueue(executionID, name); err != nil {
			return 0, err
		}
	}

	if len(names) > 0 {
		q.log.Infow(sym.Queue+" Queued reasoning for execution",
			logger.FieldExecutionID, executionID,
			logger.FieldCount, len(names),
			"total_steps", len(exec.Steps))
	}
	return len(names), nil
}

// ProcessExecution enqueues reasoning for every unexplained step and blocks
// until each of those jobs reaches a terminal status. A worker pool must be
// running. Failed jobs end the wait like completed ones do; the caller
// inspects the execution afterwards.
func (q *Queue) ProcessExecution(ctx context.Context, executionID string) error {
	exec, err := q.executions.GetExecutionByID(executionID)
	if err != nil {
		return errors.Wrapf(err, "cannot process execution %s", executionID)
	}

	var jobs []*Job
	for _, name := range exec.StepsNeedingReasoning() {
		job, err := q.Enqueue(executionID, name)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		if job.IsTerminal() {
			continue
		}
		select {
		case <-q.awaitJob(job.ID):
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "interrupted waiting for reasoning of execution %s", executionID)
		}
	}
	return nil
}

// Job fetches one job for inspection. Memory-only jobs that never reached
// the store are served from the in-memory snapshot.
func (q *Queue) Job(id string) (*Job, error) {
	job, err := q.store.GetJob(id)
	if err == nil {
		return job, nil
	}
	if errors.IsNotFoundError(err) {
		q.mu.Lock()
		snapshot, ok := q.mem[id]
		q.mu.Unlock()
		if ok {
			return &snapshot, nil
		}
	}
	return nil, err
}

// Stats is a snapshot of the queue's in-memory counters since process start
type Stats struct {
	Enqueued           int64 `json:"enqueued"`
	Completed          int64 `json:"completed"`
	Failed             int64 `json:"failed"`
	Retried            int64 `json:"retried"`
	ActiveWorkers      int   `json:"active_workers"`
	PendingSubmissions int   `json:"pending_submissions"`
}

// Stats returns the in-memory counters. They reset on restart and may
// diverge from the database after a crash; StatsFromDatabase is the durable
// view.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:           q.enqueued.Load(),
		Completed:          q.completed.Load(),
		Failed:             q.failed.Load(),
		Retried:            q.retried.Load(),
		ActiveWorkers:      int(q.activeWorkers.Load()),
		PendingSubmissions: len(q.submissions) + int(q.overflow.Load()),
	}
}

// StatsFromDatabase returns job counts per status from the store
func (q *Queue) StatsFromDatabase() (map[Status]int, error) {
	return q.store.CountJobsByStatus()
}

// Subscribe returns a channel that receives jobs as they are retried or
// reach a terminal status. The caller unsubscribes when done; the channel
// is buffered and sends are non-blocking, so a slow consumer misses
// updates rather than slowing the workers.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed here;
// the subscriber owns its lifecycle, which rules out double-close panics
// when an update is in flight.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers fans a job update out to every subscriber. Requires
// q.mu held. Sends never block.
func (q *Queue) notifySubscribers(job *Job) {
	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
		}
	}
}

// submit hands a job to the worker pool without ever blocking the caller.
// When the buffer is full, a goroutine waits out the delivery.
func (q *Queue) submit(job *Job) {
	select {
	case q.submissions <- job:
	default:
		q.overflow.Add(1)
		go func() {
			defer q.overflow.Add(-1)
			q.submissions <- job
		}()
	}
}

// rememberMemoryOnly tracks a job whose durable write failed so Job and
// ProcessExecution can still observe it
func (q *Queue) rememberMemoryOnly(job *Job) {
	q.mu.Lock()
	q.mem[job.ID] = *job
	q.mu.Unlock()
}

// awaitJob returns a channel closed when the job reaches a terminal status.
// Registration races with the worker finishing the job, so the store is
// re-checked after the waiter is in place.
func (q *Queue) awaitJob(id string) <-chan struct{} {
	done := make(chan struct{})

	q.mu.Lock()
	if snapshot, ok := q.mem[id]; ok && snapshot.IsTerminal() {
		q.mu.Unlock()
		close(done)
		return done
	}
	q.waiters[id] = append(q.waiters[id], done)
	q.mu.Unlock()

	if job, err := q.store.GetJob(id); err == nil && job.IsTerminal() {
		if q.removeWaiter(id, done) {
			close(done)
		}
	}
	return done
}

// removeWaiter unregisters a waiter channel. Returns false if the waiter
// was already released by noteTerminal.
func (q *Queue) removeWaiter(id string, done chan struct{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	chans := q.waiters[id]
	for i, ch := range chans {
		if ch == done {
			q.waiters[id] = append(chans[:i], chans[i+1:]...)
			if len(q.waiters[id]) == 0 {
				delete(q.waiters, id)
			}
			return true
		}
	}
	return false
}

// noteTerminal refreshes the memory snapshot, releases every waiter, and
// notifies subscribers. Workers call this after the terminal status is
// persisted.
func (q *Queue) noteTerminal(job *Job) {
	q.mu.Lock()
	if _, ok := q.mem[job.ID]; ok {
		q.mem[job.ID] = *job
	}
	for _, ch := range q.waiters[job.ID] {
		close(ch)
	}
	delete(q.waiters, job.ID)
	q.notifySubscribers(job)
	q.mu.Unlock()
}

func (q *Queue) noteCompleted(job *Job) {
	q.completed.Add(1)
	q.noteTerminal(job)
}

func (q *Queue) noteFailed(job *Job) {
	q.failed.Add(1)
	q.noteTerminal(job)
}

func (q *Queue) noteRetried(job *Job) {
	q.retried.Add(1)
	q.mu.Lock()
	if _, ok := q.mem[job.ID]; ok {
		q.mem[job.ID] = *job
	}
	q.notifySubscribers(job)
	q.mu.Unlock()
}
