package reasoning

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/retracehq/retrace/errors"
	retracetest "github.com/retracehq/retrace/internal/testing"
	"github.com/retracehq/retrace/internal/util"
	"github.com/retracehq/retrace/trace"
)

// ============================================================================
// Sherlock & Columbo Worker Test Universe
// ============================================================================
//
// Characters:
//   - Sherlock Holmes: Consulting detective who deduces each explanation
//   - Columbo: Never satisfied after one pass, always has one more question
//     (drives the retry path)
//   - Dr. Watson: Chronicler who restores the caseload after a crash
//
// Theme: Workers pull cases off the wire and close them. Transient dead ends
// earn another attempt; hopeless cases are closed as failed; a crash loses
// nothing that reached the archive.
// ============================================================================

// createTestLogger creates a no-op logger for testing
func createTestLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// fastConfig keeps retries quick enough for tests
func fastConfig(workers, maxRetries int) Config {
	return Config{
		Workers:     workers,
		MaxRetries:  maxRetries,
		Backoff:     Exponential{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond},
		LLMTimeout:  2 * time.Second,
		StopTimeout: 5 * time.Second,
	}
}

// scriptedExplainer returns canned deductions. Calls are counted, and the
// optional script decides per call whether the result is a real answer or a
// fallback with a transient error attached.
type scriptedExplainer struct {
	mu     sync.Mutex
	calls  int
	text   string
	script func(call int, step *trace.Step) (string, error)
}

func (e *scriptedExplainer) Explain(ctx context.Context, step *trace.Step) (string, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	script := e.script
	text := e.text
	e.mu.Unlock()

	if script != nil {
		return script(call, step)
	}
	if text == "" {
		text = "Elementary: " + step.Name + " ran its course"
	}
	return text, nil
}

func (e *scriptedExplainer) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// stalledExplainer blocks until the context is cancelled, signalling once a
// worker has engaged. Used to catch a job mid-flight during shutdown.
type stalledExplainer struct {
	engaged chan struct{}
	once    sync.Once
	mu      sync.Mutex
	release bool
	text    string
}

func (e *stalledExplainer) Explain(ctx context.Context, step *trace.Step) (string, error) {
	e.mu.Lock()
	release := e.release
	text := e.text
	e.mu.Unlock()
	if release {
		return text, nil
	}
	e.once.Do(func() { close(e.engaged) })
	<-ctx.Done()
	return "", ctx.Err()
}

func (e *stalledExplainer) releaseWith(text string) {
	e.mu.Lock()
	e.text = text
	e.release = true
	e.mu.Unlock()
}

// waitForStatus polls the archive until the job reaches the wanted status
func waitForStatus(t *testing.T, store *JobStore, id string, want Status) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
	return nil
}

func TestSherlockClosesACase(t *testing.T) {
	t.Log("🔍 Sherlock takes a two-step case and deduces both explanations...")

	db := retracetest.CreateTestDB(t)
	files := newCaseFiles(openCase("exec-hound", "fetch_clues", "compare_footprints"))
	explainer := &scriptedExplainer{}
	queue := NewQueue(NewJobStore(db), files, fastConfig(2, 3), createTestLogger())
	pool := NewWorkerPool(queue, explainer, createTestLogger())
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := queue.ProcessExecution(ctx, "exec-hound"); err != nil {
		t.Fatalf("Sherlock never closed the case: %v", err)
	}

	for _, step := range []string{"fetch_clues", "compare_footprints"} {
		if got := files.reasoningFor("exec-hound", step); got == "" {
			t.Errorf("step %s never received its deduction", step)
		}
	}

	counts, err := queue.StatsFromDatabase()
	if err != nil {
		t.Fatalf("failed to count the archive: %v", err)
	}
	if counts[StatusCompleted] != 2 {
		t.Errorf("completed = %d, want 2", counts[StatusCompleted])
	}

	stats := queue.Stats()
	if stats.Enqueued != 2 || stats.Completed != 2 {
		t.Errorf("counters = %+v, want 2 enqueued and 2 completed", stats)
	}
	if stats.Failed != 0 || stats.Retried != 0 {
		t.Errorf("a clean run should have no failures or retries: %+v", stats)
	}
	if explainer.callCount() != 2 {
		t.Errorf("model calls = %d, want 2", explainer.callCount())
	}

	// The archive keeps an audit copy of each deduction
	jobs, err := queue.Store().ListJobs(10, 0)
	if err != nil {
		t.Fatalf("failed to list the closed cases: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("archive holds %d cases, want 2", len(jobs))
	}
	for _, job := range jobs {
		if job.Reasoning == "" {
			t.Errorf("case %s has no audit copy of its deduction", job.ID)
		}
		if job.CompletedAt == nil {
			t.Errorf("case %s has no closure timestamp", job.ID)
		}
	}

	t.Log("✓ Both steps explained, archived, and accounted for")
}

func TestSherlockSkipsAnAlreadySolvedCase(t *testing.T) {
	t.Log("🔍 Sherlock picks up a case someone already solved...")
	t.Log("   An existing deduction is never regenerated")

	db := retracetest.CreateTestDB(t)
	exec := openCase("exec-solved", "search")
	exec.Steps[0].Reasoning = util.Ptr("Already deduced last Tuesday")
	files := newCaseFiles(exec)
	explainer := &scriptedExplainer{}
	queue := NewQueue(NewJobStore(db), files, fastConfig(1, 3), createTestLogger())
	pool := NewWorkerPool(queue, explainer, createTestLogger())
	pool.Start()
	defer pool.Stop()

	// Enqueue directly; only EnqueueExecution filters explained steps
	job, err := queue.Enqueue("exec-solved", "search")
	if err != nil {
		t.Fatalf("failed to file the case: %v", err)
	}

	done := waitForStatus(t, queue.Store(), job.ID, StatusCompleted)
	if done.Reasoning != "Already deduced last Tuesday" {
		t.Errorf("job reasoning = %q, want the existing deduction", done.Reasoning)
	}
	if explainer.callCount() != 0 {
		t.Errorf("model calls = %d, the existing deduction should stand untouched", explainer.callCount())
	}

	t.Log("✓ Case closed against the existing deduction, no model call spent")
}

func TestColumboGetsASecondLook(t *testing.T) {
	t.Log("🕵️ Columbo: 'Just one more thing...' (a transient dead end earns a retry)")

	db := retracetest.CreateTestDB(t)
	files := newCaseFiles(openCase("exec-raincoat", "question_neighbor"))
	explainer := &scriptedExplainer{script: func(call int, step *trace.Step) (string, error) {
		if call == 1 {
			return `Completed "question_neighbor" step in 120ms`,
				errors.MarkTransient(errors.New("openrouter API error (status 429): slow down"))
		}
		return "The neighbor saw the car leave at nine", nil
	}}
	queue := NewQueue(NewJobStore(db), files, fastConfig(1, 3), createTestLogger())
	pool := NewWorkerPool(queue, explainer, createTestLogger())
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := queue.ProcessExecution(ctx, "exec-raincoat"); err != nil {
		t.Fatalf("the case never closed: %v", err)
	}

	if got := files.reasoningFor("exec-raincoat", "question_neighbor"); got != "The neighbor saw the car leave at nine" {
		t.Errorf("reasoning = %q, want the second-look answer", got)
	}

	jobs, err := queue.Store().ListJobs(10, 0)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("archive listing = %d cases (%v), want 1", len(jobs), err)
	}
	if jobs[0].Status != StatusCompleted {
		t.Errorf("status = %s, want completed", jobs[0].Status)
	}
	if jobs[0].Attempt != 2 {
		t.Errorf("attempt = %d, the second look is attempt 2", jobs[0].Attempt)
	}

	stats := queue.Stats()
	if stats.Retried != 1 || stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("counters = %+v, want 1 retry and 1 completion", stats)
	}
	if explainer.callCount() != 2 {
		t.Errorf("model calls = %d, want 2", explainer.callCount())
	}

	t.Log("✓ One more question was all it took")
}

func TestColumboRunsOutOfQuestions(t *testing.T) {
	t.Log("🕵️ Columbo runs out of questions; the plain summary goes on file")
	t.Log("   A step is never left unexplained just because the model flaked")

	fallback := `Completed "dust_for_prints" step in 80ms`
	db := retracetest.CreateTestDB(t)
	files := newCaseFiles(openCase("exec-stubborn", "dust_for_prints"))
	explainer := &scriptedExplainer{script: func(call int, step *trace.Step) (string, error) {
		return fallback, errors.MarkTransient(errors.New("model endpoint flapping"))
	}}
	queue := NewQueue(NewJobStore(db), files, fastConfig(1, 2), createTestLogger())
	pool := NewWorkerPool(queue, explainer, createTestLogger())
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := queue.ProcessExecution(ctx, "exec-stubborn"); err != nil {
		t.Fatalf("the case never closed: %v", err)
	}

	if got := files.reasoningFor("exec-stubborn", "dust_for_prints"); got != fallback {
		t.Errorf("reasoning = %q, want the fallback summary", got)
	}

	jobs, err := queue.Store().ListJobs(10, 0)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("archive listing = %d cases (%v), want 1", len(jobs), err)
	}
	if jobs[0].Status != StatusCompleted {
		t.Errorf("status = %s, exhausted retries still complete with the fallback", jobs[0].Status)
	}
	if jobs[0].Attempt != 2 {
		t.Errorf("attempt = %d, want 2 (the full budget)", jobs[0].Attempt)
	}
	if jobs[0].Reasoning != fallback {
		t.Errorf("audit copy = %q, want the fallback summary", jobs[0].Reasoning)
	}

	stats := queue.Stats()
	if stats.Retried != 1 || stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("counters = %+v, want 1 retry then completion", stats)
	}
	if explainer.callCount() != 2 {
		t.Errorf("model calls = %d, want 2", explainer.callCount())
	}

	t.Log("✓ Budget spent, fallback filed, case closed rather than failed")
}

func TestSherlockDropsAVanishedCase(t *testing.T) {
	t.Log("🔍 Sherlock reaches for an execution that no longer exists...")

	db := retracetest.CreateTestDB(t)
	files := newCaseFiles() // nothing on record
	explainer := &scriptedExplainer{}
	queue := NewQueue(NewJobStore(db), files, fastConfig(1, 3), createTestLogger())
	pool := NewWorkerPool(queue, explainer, createTestLogger())
	pool.Start()
	defer pool.Stop()

	job, err := queue.Enqueue("exec-vanished", "whisper_network")
	if err != nil {
		t.Fatalf("failed to file the case: %v", err)
	}

	failed := waitForStatus(t, queue.Store(), job.ID, StatusFailed)
	if !strings.Contains(failed.LastError, "no longer exists") {
		t.Errorf("last error = %q, want the vanished-execution note", failed.LastError)
	}
	if got := queue.Stats().Failed; got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
	if explainer.callCount() != 0 {
		t.Errorf("model calls = %d, there was nothing to explain", explainer.callCount())
	}

	t.Log("✓ The vanished case was closed as failed, permanently and without retries")
}

func TestSherlockDropsAMissingStep(t *testing.T) {
	t.Log("🔍 Sherlock is handed a case for a step the execution never ran...")

	db := retracetest.CreateTestDB(t)
	files := newCaseFiles(openCase("exec-real", "actual_step"))
	queue := NewQueue(NewJobStore(db), files, fastConfig(1, 3), createTestLogger())
	pool := NewWorkerPool(queue, &scriptedExplainer{}, createTestLogger())
	pool.Start()
	defer pool.Stop()

	job, err := queue.Enqueue("exec-real", "imaginary_step")
	if err != nil {
		t.Fatalf("failed to file the case: %v", err)
	}

	failed := waitForStatus(t, queue.Store(), job.ID, StatusFailed)
	if !strings.Contains(failed.LastError, "not found in execution") {
		t.Errorf("last error = %q, want the missing-step note", failed.LastError)
	}

	t.Log("✓ The phantom step was closed as failed")
}

func TestAStuckArchiveEarnsARetry(t *testing.T) {
	t.Log("🕵️ The archive jams while filing a deduction; Columbo comes back later")

	db := retracetest.CreateTestDB(t)
	files := newCaseFiles(openCase("exec-locked", "file_report"))
	files.updateFailures = 1 // first write-back hits a locked database
	explainer := &scriptedExplainer{text: "The report writes itself"}
	queue := NewQueue(NewJobStore(db), files, fastConfig(1, 3), createTestLogger())
	pool := NewWorkerPool(queue, explainer, createTestLogger())
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := queue.ProcessExecution(ctx, "exec-locked"); err != nil {
		t.Fatalf("the case never closed: %v", err)
	}

	if got := files.reasoningFor("exec-locked", "file_report"); got != "The report writes itself" {
		t.Errorf("reasoning = %q, the deduction must land once the archive unjams", got)
	}
	jobs, err := queue.Store().ListJobs(10, 0)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("archive listing = %d cases (%v), want 1", len(jobs), err)
	}
	if jobs[0].Attempt != 2 {
		t.Errorf("attempt = %d, want 2 after the jam", jobs[0].Attempt)
	}
	if got := queue.Stats().Retried; got != 1 {
		t.Errorf("retried = %d, want 1", got)
	}
	if explainer.callCount() != 2 {
		t.Errorf("model calls = %d, the second pass re-deduces", explainer.callCount())
	}

	t.Log("✓ The locked archive earned a retry, not a failure")
}

func TestAVanishedStepAtFilingTimeFailsTheCase(t *testing.T) {
	t.Log("🔍 The execution evaporates between deduction and filing...")

	db := retracetest.CreateTestDB(t)
	files := newCaseFiles(openCase("exec-evaporating", "trace_call"))
	explainer := &scriptedExplainer{script: func(call int, step *trace.Step) (string, error) {
		// The record disappears while the deduction is being made
		files.remove("exec-evaporating")
		return "Too late, the record is gone", nil
	}}
	queue := NewQueue(NewJobStore(db), files, fastConfig(1, 3), createTestLogger())
	pool := NewWorkerPool(queue, explainer, createTestLogger())
	pool.Start()
	defer pool.Stop()

	job, err := queue.Enqueue("exec-evaporating", "trace_call")
	if err != nil {
		t.Fatalf("failed to file the case: %v", err)
	}

	failed := waitForStatus(t, queue.Store(), job.ID, StatusFailed)
	if failed.LastError == "" {
		t.Error("the failure must record why the filing bounced")
	}
	if got := queue.Stats().Failed; got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}

	t.Log("✓ A deduction with nowhere to go closes the case as failed")
}

func TestWatsonRestoresTheCaseload(t *testing.T) {
	t.Log("📖 Watson restores the caseload after a crash...")
	t.Log("   Waiting cases resume, orphans reset, parked retries stay parked")

	db := retracetest.CreateTestDB(t)
	store := NewJobStore(db)
	files := newCaseFiles(openCase("exec-archive", "collect_evidence", "interview_witness", "review_notes"))

	// The previous run left three cases behind
	waiting := NewJob("exec-archive", "collect_evidence")
	if err := store.CreateJob(waiting); err != nil {
		t.Fatalf("failed to seed the waiting case: %v", err)
	}

	orphan := NewJob("exec-archive", "interview_witness")
	orphan.Attempt = 2
	orphan.Start()
	if err := store.CreateJob(orphan); err != nil {
		t.Fatalf("failed to seed the orphaned case: %v", err)
	}

	parked := NewJob("exec-archive", "review_notes")
	parked.Retry(time.Now().Add(time.Hour), errors.New("waiting on the coroner"))
	if err := store.CreateJob(parked); err != nil {
		t.Fatalf("failed to seed the parked case: %v", err)
	}

	queue := NewQueue(store, files, fastConfig(2, 3), createTestLogger())
	pool := NewWorkerPool(queue, &scriptedExplainer{}, createTestLogger())
	pool.Start()
	defer pool.Stop()

	waitForStatus(t, store, waiting.ID, StatusCompleted)
	t.Log("  The waiting case resumed and closed")

	recoveredOrphan := waitForStatus(t, store, orphan.ID, StatusCompleted)
	if recoveredOrphan.Attempt != 2 {
		t.Errorf("orphan attempt = %d, the counter must survive recovery", recoveredOrphan.Attempt)
	}
	t.Log("  The orphan was reset and closed, attempt counter intact")

	// The parked retry stays parked; its hour is not up
	parkedNow, err := store.GetJob(parked.ID)
	if err != nil {
		t.Fatalf("failed to pull the parked case: %v", err)
	}
	if parkedNow.Status != StatusPending {
		t.Errorf("parked case status = %s, want still pending", parkedNow.Status)
	}
	metrics := pool.GetSystemMetrics()
	if metrics.RetriesWaiting != 1 {
		t.Errorf("retries waiting = %d, want the one parked case", metrics.RetriesWaiting)
	}

	t.Log("✓ Caseload restored: two closed, one parked for its appointed hour")
}

func TestWatsonDoesNotFileACaseTwice(t *testing.T) {
	t.Log("📖 The office closes and reopens; a parked retry must not be filed twice...")

	db := retracetest.CreateTestDB(t)
	store := NewJobStore(db)
	files := newCaseFiles(openCase("exec-archive", "review_notes"))

	parked := NewJob("exec-archive", "review_notes")
	parked.Retry(time.Now().Add(time.Hour), errors.New("waiting on the coroner"))
	if err := store.CreateJob(parked); err != nil {
		t.Fatalf("failed to seed the parked case: %v", err)
	}

	queue := NewQueue(store, files, fastConfig(1, 3), createTestLogger())
	pool := NewWorkerPool(queue, &scriptedExplainer{}, createTestLogger())

	pool.Start()
	if got := pool.GetSystemMetrics().RetriesWaiting; got != 1 {
		t.Fatalf("retries waiting after first start = %d, want 1", got)
	}
	pool.Stop()

	// The reopened office rebuilds its board from the archive alone
	pool.Start()
	defer pool.Stop()
	if got := pool.GetSystemMetrics().RetriesWaiting; got != 1 {
		t.Errorf("retries waiting after restart = %d, want 1 (no duplicate on the board)", got)
	}

	t.Log("✓ One parked case, one board entry, however many reopenings")
}

func TestAShutdownReturnsTheCaseUnfinished(t *testing.T) {
	t.Log("📖 The office closes mid-investigation; the case goes back on the pile...")

	db := retracetest.CreateTestDB(t)
	files := newCaseFiles(openCase("exec-interrupted", "stakeout"))
	explainer := &stalledExplainer{engaged: make(chan struct{})}
	queue := NewQueue(NewJobStore(db), files, fastConfig(1, 3), createTestLogger())
	pool := NewWorkerPool(queue, explainer, createTestLogger())
	pool.Start()

	job, err := queue.Enqueue("exec-interrupted", "stakeout")
	if err != nil {
		t.Fatalf("failed to file the case: %v", err)
	}

	select {
	case <-explainer.engaged:
	case <-time.After(5 * time.Second):
		t.Fatal("no worker ever picked up the stakeout")
	}

	pool.Stop()

	requeued, err := queue.Store().GetJob(job.ID)
	if err != nil {
		t.Fatalf("failed to pull the interrupted case: %v", err)
	}
	if requeued.Status != StatusPending {
		t.Errorf("interrupted case status = %s, want pending", requeued.Status)
	}
	if requeued.StartedAt != nil {
		t.Error("an interrupted case drops its started_at")
	}
	stats := queue.Stats()
	if stats.Completed != 0 || stats.Failed != 0 {
		t.Errorf("shutdown must not count as an outcome: %+v", stats)
	}

	t.Log("  The office reopens; the stakeout resumes")
	explainer.releaseWith("The suspect left by the service door")
	pool.Start()
	defer pool.Stop()

	finished := waitForStatus(t, queue.Store(), job.ID, StatusCompleted)
	if finished.Reasoning != "The suspect left by the service door" {
		t.Errorf("reasoning = %q, want the stakeout's conclusion", finished.Reasoning)
	}
	if got := files.reasoningFor("exec-interrupted", "stakeout"); got != "The suspect left by the service door" {
		t.Errorf("step reasoning = %q, want the stakeout's conclusion", got)
	}

	t.Log("✓ Shutdown parked the case; restart picked it up and finished it")
}

func TestThePoolHonorsItsWorkerCount(t *testing.T) {
	t.Log("🔍 The pool fields exactly the configured number of detectives")

	db := retracetest.CreateTestDB(t)

	// Explicit count, nil loggers take the no-op path
	queue := NewQueue(NewJobStore(db), newCaseFiles(), Config{Workers: 5}, nil)
	pool := NewWorkerPool(queue, &scriptedExplainer{}, nil)
	if pool.Workers() != 5 {
		t.Errorf("workers = %d, want 5", pool.Workers())
	}

	// Zero value falls back to the default
	fallback := NewQueue(NewJobStore(db), newCaseFiles(), Config{}, nil)
	if got := NewWorkerPool(fallback, &scriptedExplainer{}, nil).Workers(); got != 3 {
		t.Errorf("default workers = %d, want 3", got)
	}

	// Stopping a pool that never started returns promptly
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stopping an idle pool should not hang")
	}

	t.Log("✓ Worker counts honored, defaults applied, idle stop immediate")
}
