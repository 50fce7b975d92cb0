package reasoning

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/retracehq/retrace/errors"
	"github.com/retracehq/retrace/logger"
	"github.com/retracehq/retrace/sym"
	"github.com/retracehq/retrace/trace"
)

// Config tunes the reasoning subsystem. The zero value is usable; every
// field falls back to its default.
type Config struct {
	Workers       int           `json:"workers"`        // concurrent workers (default 3)
	MaxRetries    int           `json:"max_retries"`    // total attempts per job (default 3)
	Backoff       Strategy      `json:"-"`              // retry delay ladder (default Exponential 1s..8s)
	LLMTimeout    time.Duration `json:"llm_timeout"`    // per-job bound on the model call (default 30s)
	RecoveryBatch int           `json:"recovery_batch"` // jobs loaded per status on startup (default 200)
	StopTimeout   time.Duration `json:"stop_timeout"`   // graceful shutdown wait (default 30s)
}

// DefaultConfig returns the standard worker pool configuration
func DefaultConfig() Config {
	return Config{
		Workers:       3,
		MaxRetries:    3,
		Backoff:       DefaultBackoff(),
		LLMTimeout:    30 * time.Second,
		RecoveryBatch: 200,
		StopTimeout:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Backoff == nil {
		c.Backoff = d.Backoff
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = d.LLMTimeout
	}
	if c.RecoveryBatch <= 0 {
		c.RecoveryBatch = d.RecoveryBatch
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// Explainer produces the explanation text for one step. A non-nil error
// means the text is a degraded fallback and the failure was transient, so
// retrying may yield a better answer. *explain.Chain satisfies this.
type Explainer interface {
	Explain(ctx context.Context, step *trace.Step) (string, error)
}

// queueLogger wraps zap.SugaredLogger with methods for queue lifecycle
// events. Levels double as visual markers:
// - DEBUG for opening (✿ startup, recovery)
// - WARN for closing (❀ shutdown)
// - INFO for general queue operations (꩜)
type queueLogger struct {
	*zap.SugaredLogger
}

// Opening logs a startup (✿) event
func (l queueLogger) Opening(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.QueueOpen+" "+msg, keysAndValues...)
}

// Closing logs a shutdown (❀) event
func (l queueLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.QueueClose+" "+msg, keysAndValues...)
}

// Queue logs a general queue operation
func (l queueLogger) Queue(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.Queue+" "+msg, keysAndValues...)
}

// WorkerPool drains the queue's submission channel with a bounded number of
// workers and owns the delay scheduler for retries. The queue stays usable
// across Stop/Start cycles; stopping abandons nothing durable.
type WorkerPool struct {
	queue     *Queue
	explainer Explainer
	cfg       Config
	scheduler *scheduler

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex

	log  *zap.SugaredLogger
	glog queueLogger
}

// NewWorkerPool creates a worker pool over the queue. The pool adopts the
// queue's Config so the subsystem is tuned in one place.
func NewWorkerPool(queue *Queue, explainer Explainer, log *zap.SugaredLogger) *WorkerPool {
	return NewWorkerPoolWithContext(context.Background(), queue, explainer, log)
}

// NewWorkerPoolWithContext creates a worker pool whose workers shut down
// when the parent context is cancelled. Useful for servers that coordinate
// shutdown through one root context.
func NewWorkerPoolWithContext(ctx context.Context, queue *Queue, explainer Explainer, log *zap.SugaredLogger) *WorkerPool {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	workerCtx, cancel := context.WithCancel(ctx)

	wp := &WorkerPool{
		queue:     queue,
		explainer: explainer,
		cfg:       queue.cfg,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		log:       log,
		glog:      queueLogger{log.Named("queue")},
	}
	wp.scheduler = newScheduler(queue.submit)
	return wp
}

// Workers returns the configured worker count
func (wp *WorkerPool) Workers() int {
	return wp.cfg.Workers
}

// Start recovers persisted jobs from the last run and begins processing.
// Safe to call again after Stop.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		// Restart after a previous Stop
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.glog.Opening("Recreated worker context after previous shutdown")
	default:
	}
	ctx := wp.ctx
	wp.mu.Unlock()

	if err := wp.recoverJobs(); err != nil {
		wp.log.Warnw(sym.QueueOpen+" Job recovery failed, starting workers anyway", "error", err)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.log.Warnw(sym.Queue+" Memory pressure warning", "warning", warning, "workers", wp.cfg.Workers)
	}

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.scheduler.run(ctx)
	}()

	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}

	wp.glog.Opening("Worker pool started", "workers", wp.cfg.Workers)
}

// Stop cancels workers and the scheduler and waits up to StopTimeout for
// in-flight jobs to finish. Jobs interrupted mid-flight return to pending
// and are recovered on the next Start.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.log.Infow(sym.QueueClose + " Worker pool stopped, all workers exited cleanly")
	case <-time.After(wp.cfg.StopTimeout):
		wp.glog.Closing("Worker pool stop timed out, workers may still be finishing",
			"timeout", wp.cfg.StopTimeout)
	}

	// Delayed retries live on as pending rows with next_retry_at; the next
	// Start reschedules them from the store, so the in-memory copies must go.
	if dropped := wp.scheduler.drain(); dropped > 0 {
		wp.log.Debugw(sym.QueueClose+" Abandoned delayed retries to the store", "count", dropped)
	}
}

// recoverJobs reloads persisted work on startup: pending jobs are
// resubmitted (or scheduled if their retry time is still ahead), and jobs
// found mid-processing are crash orphans reset to pending. The attempt
// counter survives recovery so a job that keeps taking the process down
// still runs out of retries.
func (wp *WorkerPool) recoverJobs() error {
	pending, err := wp.queue.store.ListJobsByStatus(StatusPending, wp.cfg.RecoveryBatch)
	if err != nil {
		return errors.Wrap(err, "failed to list pending jobs")
	}
	orphans, err := wp.queue.store.ListJobsByStatus(StatusProcessing, wp.cfg.RecoveryBatch)
	if err != nil {
		return errors.Wrap(err, "failed to list processing jobs")
	}

	if len(pending)+len(orphans) == 0 {
		return nil
	}

	wp.glog.Opening("Recovering reasoning jobs from previous run",
		"pending", len(pending), "orphaned", len(orphans))

	for _, job := range orphans {
		wp.log.Warnw(sym.QueueOpen+" Resetting job orphaned mid-processing",
			logger.FieldJobID, job.ID,
			logger.FieldExecutionID, job.ExecutionID,
			logger.FieldStep, job.StepName,
			logger.FieldAttempt, job.Attempt)

		job.Status = StatusPending
		job.StartedAt = nil
		job.UpdatedAt = time.Now()
		if err := wp.queue.store.UpdateJob(job); err != nil {
			wp.log.Warnw(sym.QueueOpen+" Failed to persist orphan reset",
				logger.FieldJobID, job.ID, "error", err)
		}
		wp.queue.submit(job)
	}

	now := time.Now()
	for _, job := range pending {
		if job.NextRetryAt != nil && job.NextRetryAt.After(now) {
			wp.scheduler.schedule(job, *job.NextRetryAt)
			continue
		}
		wp.queue.submit(job)
	}

	return nil
}

// worker consumes submitted jobs until the pool context is cancelled
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-wp.queue.submissions:
			wp.processJob(ctx, job)
		}
	}
}

// processJob runs one reasoning job end to end: mark processing, load the
// step, generate the explanation, write it back, complete. Every failure
// is either retried (transient, attempts left), failed permanently, or, on
// shutdown, returned to pending for the next run.
func (wp *WorkerPool) processJob(ctx context.Context, job *Job) {
	wp.queue.activeWorkers.Add(1)
	defer wp.queue.activeWorkers.Add(-1)

	log := wp.log.With(
		logger.FieldJobID, job.ID,
		logger.FieldExecutionID, job.ExecutionID,
		logger.FieldStep, job.StepName,
		logger.FieldAttempt, job.Attempt,
	)

	job.Start()
	if err := wp.queue.store.UpdateJob(job); err != nil {
		log.Warnw(sym.Queue+" Failed to persist job start, continuing in memory only", "error", err)
		wp.queue.rememberMemoryOnly(job)
	}

	exec, err := wp.queue.executions.GetExecutionByID(job.ExecutionID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			wp.failJob(job, errors.Wrapf(err, "execution %s no longer exists", job.ExecutionID), log)
			return
		}
		wp.handleJobError(ctx, job, "load_execution", err, log)
		return
	}

	step := exec.Step(job.StepName)
	if step == nil {
		wp.failJob(job, errors.Newf("step %s not found in execution %s", job.StepName, job.ExecutionID), log)
		return
	}

	// Reasoning already present means another path explained the step
	// since this job was enqueued. Never regenerate.
	if step.HasReasoning() {
		log.Debugw(sym.Explain + " Step already explained, completing without a model call")
		wp.completeJob(job, *step.Reasoning, log)
		return
	}

	llmCtx, cancel := context.WithTimeout(ctx, wp.cfg.LLMTimeout)
	text, llmErr := wp.explainer.Explain(llmCtx, step)
	cancel()

	if ctx.Err() != nil {
		wp.requeueForShutdown(job, log)
		return
	}

	// A reported explain error means the text is the generic fallback and
	// the cause was transient. With attempts left, retry for a real
	// explanation; once the budget is spent the fallback text stands.
	if llmErr != nil && job.Attempt < wp.cfg.MaxRetries {
		wp.handleJobError(ctx, job, "explain", llmErr, log)
		return
	}

	if err := wp.queue.executions.UpdateStepReasoning(job.ExecutionID, job.StepName, text); err != nil {
		if ctx.Err() != nil {
			wp.requeueForShutdown(job, log)
			return
		}
		if errors.IsNotFoundError(err) {
			wp.failJob(job, err, log)
			return
		}
		wp.handleJobError(ctx, job, "persist_reasoning", err, log)
		return
	}

	wp.completeJob(job, text, log)
}

// completeJob persists the terminal success state and releases waiters
func (wp *WorkerPool) completeJob(job *Job, text string, log *zap.SugaredLogger) {
	job.Complete(text)
	if err := wp.queue.store.UpdateJob(job); err != nil {
		log.Warnw(sym.Queue+" Failed to persist job completion", "error", err)
		wp.queue.rememberMemoryOnly(job)
	}
	wp.queue.noteCompleted(job)

	log.Infow(sym.Explain+" Reasoning generated",
		logger.FieldSize, len(text))
}

// failJob marks the job permanently failed
func (wp *WorkerPool) failJob(job *Job, cause error, log *zap.SugaredLogger) {
	job.Fail(cause)
	if err := wp.queue.store.UpdateJob(job); err != nil {
		log.Warnw(sym.Queue+" Failed to persist job failure", "error", err)
		wp.queue.rememberMemoryOnly(job)
	}
	wp.queue.noteFailed(job)

	log.Warnw(sym.Queue+" Reasoning job failed permanently",
		"attempts", job.Attempt,
		"error", cause)
}

// handleJobError decides between retry and permanent failure. Retries go
// through the delay scheduler, never a sleeping worker.
func (wp *WorkerPool) handleJobError(ctx context.Context, job *Job, stage string, cause error, log *zap.SugaredLogger) {
	if ctx.Err() != nil {
		wp.requeueForShutdown(job, log)
		return
	}

	ectx := ClassifyError(stage, cause)
	if !ectx.Retryable || job.Attempt >= wp.cfg.MaxRetries {
		wp.failJob(job, cause, log)
		return
	}

	delay := wp.cfg.Backoff.Delay(job.Attempt)
	at := time.Now().Add(delay)
	job.Retry(at, cause)

	if err := wp.queue.store.ResetForRetry(job); err != nil {
		log.Warnw(sym.Queue+" Failed to persist retry, continuing in memory only", "error", err)
		wp.queue.rememberMemoryOnly(job)
	}
	wp.queue.noteRetried(job)
	wp.scheduler.schedule(job, at)

	log.Infow(sym.Queue+" Retry scheduled",
		logger.FieldAttempt, job.Attempt,
		"max_retries", wp.cfg.MaxRetries,
		"delay", delay,
		logger.FieldErrorCode, string(ectx.Code),
		"stage", stage,
		"error", cause)
}

// requeueForShutdown returns an interrupted job to pending so the next
// recovery scan resubmits it. Shutdown is not a job failure.
func (wp *WorkerPool) requeueForShutdown(job *Job, log *zap.SugaredLogger) {
	wp.glog.Closing("Job interrupted by shutdown, returning to pending",
		logger.FieldJobID, job.ID,
		logger.FieldStep, job.StepName)

	job.Status = StatusPending
	job.StartedAt = nil
	job.UpdatedAt = time.Now()
	if err := wp.queue.store.UpdateJob(job); err != nil {
		wp.log.Errorw(sym.QueueClose+" Failed to persist interrupted job",
			logger.FieldJobID, job.ID, "error", err)
	}
}
