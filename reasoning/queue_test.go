package reasoning

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/retracehq/retrace/errors"
	retracetest "github.com/retracehq/retrace/internal/testing"
	"github.com/retracehq/retrace/internal/util"
	"github.com/retracehq/retrace/trace"
)

// ============================================================================
// Lestrade & Sherlock Queue Test Universe
// ============================================================================
//
// Characters:
//   - Inspector Lestrade: Brings cases in from Scotland Yard (enqueues work)
//   - Sherlock Holmes: Consulting detective who deduces each explanation
//   - Dr. Watson: Chronicler keeping the case archive (the job store)
//
// Theme: Scotland Yard files cases faster than anyone can solve them. The
// queue keeps every case exactly once, survives archive outages, and always
// knows how deep the backlog runs.
// ============================================================================

// caseFiles is an in-memory ExecutionReader so queue tests control exactly
// which executions exist without standing up the trace store.
type caseFiles struct {
	mu             sync.Mutex
	execs          map[string]*trace.Execution
	updateFailures int // fail this many UpdateStepReasoning calls first
}

func newCaseFiles(execs ...*trace.Execution) *caseFiles {
	files := &caseFiles{execs: make(map[string]*trace.Execution)}
	for _, exec := range execs {
		files.execs[exec.ID] = exec
	}
	return files
}

func (f *caseFiles) GetExecutionByID(id string) (*trace.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok {
		return nil, errors.NewNotFoundError("execution %s not found", id)
	}
	// Copies keep readers off the canonical steps while workers write
	clone := *exec
	clone.Steps = append([]trace.Step(nil), exec.Steps...)
	return &clone, nil
}

func (f *caseFiles) UpdateStepReasoning(executionID, stepName, reasoning string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateFailures > 0 {
		f.updateFailures--
		return errors.New("database is locked")
	}
	exec, ok := f.execs[executionID]
	if !ok {
		return errors.NewNotFoundError("execution %s not found", executionID)
	}
	step := exec.Step(stepName)
	if step == nil {
		return errors.NewNotFoundError("step %s not found in execution %s", stepName, executionID)
	}
	step.Reasoning = &reasoning
	return nil
}

func (f *caseFiles) reasoningFor(executionID, stepName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[executionID]
	if !ok {
		return ""
	}
	step := exec.Step(stepName)
	if step == nil || step.Reasoning == nil {
		return ""
	}
	return *step.Reasoning
}

func (f *caseFiles) remove(executionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.execs, executionID)
}

// openCase builds a completed execution whose steps all need reasoning
func openCase(id string, stepNames ...string) *trace.Execution {
	started := time.Now().Add(-time.Minute)
	ended := started.Add(45 * time.Second)
	exec := &trace.Execution{
		ID:        id,
		Pipeline:  "product-search",
		Status:    trace.ExecutionStatusCompleted,
		StartedAt: started,
		EndedAt:   &ended,
	}
	for _, name := range stepNames {
		exec.Steps = append(exec.Steps, trace.Step{
			Name:       name,
			Status:     trace.StepStatusCompleted,
			Input:      map[string]any{"keyword": "water bottle"},
			Output:     map[string]any{"items": float64(10)},
			StartedAt:  started,
			EndedAt:    &ended,
			DurationMs: 120,
		})
	}
	return exec
}

func TestLestradeFilesACase(t *testing.T) {
	t.Log("🚨 Lestrade brings a fresh case over from Scotland Yard...")

	db := retracetest.CreateTestDB(t)
	queue := NewQueue(NewJobStore(db), newCaseFiles(), Config{}, createTestLogger())

	job, err := queue.Enqueue("exec-study-in-scarlet", "collect_evidence")
	if err != nil {
		t.Fatalf("Lestrade failed to file the case: %v", err)
	}
	if job.Status != StatusPending {
		t.Errorf("status = %s, want %s", job.Status, StatusPending)
	}
	if job.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", job.Attempt)
	}

	// The case reached the durable archive
	stored, err := queue.Store().GetJob(job.ID)
	if err != nil {
		t.Fatalf("case never reached the archive: %v", err)
	}
	if stored.StepName != "collect_evidence" {
		t.Errorf("archived step = %s, want collect_evidence", stored.StepName)
	}

	stats := queue.Stats()
	if stats.Enqueued != 1 {
		t.Errorf("enqueued = %d, want 1", stats.Enqueued)
	}
	if stats.PendingSubmissions != 1 {
		t.Errorf("pending submissions = %d, want 1 (no workers running)", stats.PendingSubmissions)
	}

	t.Log("✓ Lestrade filed the case; the archive and the counters agree")
}

func TestLestradeRejectsABlankCase(t *testing.T) {
	t.Log("🚨 Lestrade arrives with paperwork missing...")

	db := retracetest.CreateTestDB(t)
	queue := NewQueue(NewJobStore(db), newCaseFiles(), Config{}, createTestLogger())

	if _, err := queue.Enqueue("", "collect_evidence"); !errors.IsInvalidRequestError(err) {
		t.Errorf("blank execution id should be refused, got: %v", err)
	}
	if _, err := queue.Enqueue("exec-blank", ""); !errors.IsInvalidRequestError(err) {
		t.Errorf("blank step name should be refused, got: %v", err)
	}
	if got := queue.Stats().Enqueued; got != 0 {
		t.Errorf("enqueued = %d, refused cases must not count", got)
	}

	t.Log("✓ Incomplete paperwork bounced at the front desk")
}

func TestLestradeNeverFilesTheSameCaseTwice(t *testing.T) {
	t.Log("🚨 Lestrade brings the same case in twice...")
	t.Log("   One open case per step, no matter how excited the Yard gets")

	db := retracetest.CreateTestDB(t)
	queue := NewQueue(NewJobStore(db), newCaseFiles(), Config{}, createTestLogger())

	first, err := queue.Enqueue("exec-twice", "search")
	if err != nil {
		t.Fatalf("first filing failed: %v", err)
	}
	second, err := queue.Enqueue("exec-twice", "search")
	if err != nil {
		t.Fatalf("second filing failed: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("second filing opened case %s, want the existing %s", second.ID, first.ID)
	}
	if got := queue.Stats().Enqueued; got != 1 {
		t.Errorf("enqueued = %d, a duplicate filing must not count", got)
	}

	counts, err := queue.StatsFromDatabase()
	if err != nil {
		t.Fatalf("failed to count the archive: %v", err)
	}
	if counts[StatusPending] != 1 {
		t.Errorf("archive holds %d pending cases, want 1", counts[StatusPending])
	}

	t.Log("✓ The second filing came back with the original case number")
}

func TestLestradeQueuesAWholeExecution(t *testing.T) {
	t.Log("🚨 Lestrade drops a full execution on the desk...")
	t.Log("   Steps already explained stay out of the queue")

	db := retracetest.CreateTestDB(t)
	exec := openCase("exec-full", "search", "apply_filters", "rank")
	exec.Steps[0].Reasoning = util.Ptr(`Found 2847 results for "water bottle", returned 10`)
	files := newCaseFiles(exec)
	queue := NewQueue(NewJobStore(db), files, Config{}, createTestLogger())

	n, err := queue.EnqueueExecution("exec-full")
	if err != nil {
		t.Fatalf("Lestrade failed to queue the execution: %v", err)
	}
	if n != 2 {
		t.Errorf("queued %d cases, want 2 (search is already explained)", n)
	}

	counts, err := queue.StatsFromDatabase()
	if err != nil {
		t.Fatalf("failed to count the archive: %v", err)
	}
	if counts[StatusPending] != 2 {
		t.Errorf("archive holds %d pending cases, want 2", counts[StatusPending])
	}

	// Running it again only re-finds the open cases
	again, err := queue.EnqueueExecution("exec-full")
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if again != 2 {
		t.Errorf("second pass reported %d cases, want the same 2", again)
	}
	if got := queue.Stats().Enqueued; got != 2 {
		t.Errorf("enqueued = %d, the rerun must not double-count", got)
	}

	t.Log("✓ Two unexplained steps queued once each; the explained step stayed home")
}

func TestLestradeCannotQueueAGhostExecution(t *testing.T) {
	t.Log("🚨 Lestrade references an execution nobody recorded...")

	db := retracetest.CreateTestDB(t)
	queue := NewQueue(NewJobStore(db), newCaseFiles(), Config{}, createTestLogger())

	_, err := queue.EnqueueExecution("exec-ghost")
	if err == nil {
		t.Fatal("queueing a missing execution must fail")
	}
	if !errors.IsNotFoundError(err) {
		t.Errorf("expected a not-found classification, got: %v", err)
	}

	t.Log("✓ The ghost execution was turned away")
}

func TestSherlockInspectsACaseFile(t *testing.T) {
	t.Log("🔍 Sherlock pulls a single case file by number...")

	db := retracetest.CreateTestDB(t)
	queue := NewQueue(NewJobStore(db), newCaseFiles(), Config{}, createTestLogger())

	job, err := queue.Enqueue("exec-inspect", "search")
	if err != nil {
		t.Fatalf("failed to file the case: %v", err)
	}

	found, err := queue.Job(job.ID)
	if err != nil {
		t.Fatalf("Sherlock failed to pull the case: %v", err)
	}
	if found.ID != job.ID || found.StepName != "search" {
		t.Errorf("pulled the wrong file: %+v", found)
	}

	if _, err := queue.Job("case-that-never-was"); !errors.IsNotFoundError(err) {
		t.Errorf("expected not-found for an unknown case, got: %v", err)
	}

	t.Log("✓ Case file retrieved by number; unknown numbers reported missing")
}

func TestQueueSurvivesAnArchiveOutage(t *testing.T) {
	t.Log("🚨 Lestrade files a case while the archive is unreachable...")
	t.Log("   The queue must degrade to memory, not refuse the case")

	// A database with no schema: every archive write fails
	bare, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open the bare database: %v", err)
	}
	bare.SetMaxOpenConns(1)
	t.Cleanup(func() { bare.Close() })

	files := newCaseFiles(openCase("exec-outage", "search"))
	queue := NewQueue(NewJobStore(bare), files, fastConfig(1, 3), createTestLogger())
	pool := NewWorkerPool(queue, &scriptedExplainer{text: "Deduced without the archive"}, createTestLogger())
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := queue.ProcessExecution(ctx, "exec-outage"); err != nil {
		t.Fatalf("the queue did not survive the outage: %v", err)
	}

	if got := files.reasoningFor("exec-outage", "search"); got != "Deduced without the archive" {
		t.Errorf("reasoning = %q, want the deduction", got)
	}
	stats := queue.Stats()
	if stats.Completed != 1 {
		t.Errorf("completed = %d, want 1", stats.Completed)
	}

	t.Log("✓ The case was solved and delivered with the archive down the whole time")
}

func TestTheBacklogNeverBlocksLestrade(t *testing.T) {
	t.Log("🚨 Scotland Yard dumps more cases than the submission buffer holds...")
	t.Log("   Filing must never block, and a restart must find every case")

	db := retracetest.CreateTestDB(t)
	total := SubmitChannelBufferSize + 6
	steps := make([]string, 0, total)
	for i := 0; i < total; i++ {
		steps = append(steps, fmt.Sprintf("lead_%03d", i))
	}
	files := newCaseFiles(openCase("exec-backlog", steps...))
	queue := NewQueue(NewJobStore(db), files, fastConfig(4, 3), createTestLogger())

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := queue.EnqueueExecution("exec-backlog")
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("filing the backlog failed: %v", r.err)
		}
		if r.n != total {
			t.Fatalf("filed %d of %d cases", r.n, total)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Lestrade blocked while filing the backlog")
	}

	if got := queue.Stats().PendingSubmissions; got != total {
		t.Errorf("pending submissions = %d, want %d", got, total)
	}
	if got := queue.Stats().Enqueued; got != int64(total) {
		t.Errorf("enqueued = %d, want %d", got, total)
	}
	t.Logf("  %d cases parked without blocking a single filing", total)

	// The office reboots before anyone works the pile. A fresh queue over
	// the same archive must recover and drain every case.
	t.Log("  The office reboots; Watson recovers the whole pile from the archive")
	restarted := NewQueue(NewJobStore(db), files, fastConfig(4, 3), createTestLogger())
	pool := NewWorkerPool(restarted, &scriptedExplainer{text: "Routine legwork"}, createTestLogger())
	pool.Start()
	defer pool.Stop()

	deadline := time.Now().Add(30 * time.Second)
	for {
		counts, err := restarted.StatsFromDatabase()
		if err != nil {
			t.Fatalf("failed to count the archive: %v", err)
		}
		if counts[StatusPending] == 0 && counts[StatusProcessing] == 0 {
			if counts[StatusCompleted] != total {
				t.Errorf("completed = %d, want %d", counts[StatusCompleted], total)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("the backlog never drained: %v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}

	explained := 0
	for _, step := range steps {
		if files.reasoningFor("exec-backlog", step) != "" {
			explained++
		}
	}
	if explained != total {
		t.Errorf("explained %d of %d steps", explained, total)
	}
	if got := restarted.Stats().Completed; got != int64(total) {
		t.Errorf("completed counter = %d, want %d", got, total)
	}

	t.Logf("✓ All %d cases filed without blocking, recovered, and closed", total)
}

func TestProcessExecutionHonorsTheDeadline(t *testing.T) {
	t.Log("🚨 Lestrade waits on a case, but nobody is working tonight...")

	db := retracetest.CreateTestDB(t)
	files := newCaseFiles(openCase("exec-waiting", "search"))
	queue := NewQueue(NewJobStore(db), files, Config{}, createTestLogger())

	// No worker pool: the wait can only end with the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := queue.ProcessExecution(ctx, "exec-waiting")
	if err == nil {
		t.Fatal("the wait should have ended with the deadline")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the deadline in the error chain, got: %v", err)
	}

	t.Log("✓ The wait gave up when the context did")
}

func TestTheYardFollowsTheCaseFeed(t *testing.T) {
	t.Log("🚨 The Yard subscribes to the case feed to hear verdicts as they land...")

	db := retracetest.CreateTestDB(t)
	files := newCaseFiles(
		openCase("exec-feed", "search_products", "rank_products"),
		openCase("exec-feed-2", "select_winner"),
	)
	queue := NewQueue(NewJobStore(db), files, fastConfig(2, 3), createTestLogger())

	feed := queue.Subscribe()

	pool := NewWorkerPool(queue, &scriptedExplainer{text: "Heard it on the feed"}, createTestLogger())
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := queue.ProcessExecution(ctx, "exec-feed"); err != nil {
		t.Fatalf("processing failed: %v", err)
	}

	// Both verdicts arrive on the feed; order follows worker completion.
	heard := make(map[string]Status, 2)
	for i := 0; i < 2; i++ {
		select {
		case job := <-feed:
			heard[job.StepName] = job.Status
		case <-time.After(5 * time.Second):
			t.Fatal("the feed went quiet before every verdict arrived")
		}
	}
	for _, step := range []string{"search_products", "rank_products"} {
		if heard[step] != StatusCompleted {
			t.Errorf("feed reported %q for step %s, want %q", heard[step], step, StatusCompleted)
		}
	}
	t.Log("  Two verdicts heard; the Yard hangs up")

	// After unsubscribing, later verdicts stay off this channel.
	queue.Unsubscribe(feed)
	if err := queue.ProcessExecution(ctx, "exec-feed-2"); err != nil {
		t.Fatalf("processing failed: %v", err)
	}
	select {
	case job := <-feed:
		t.Errorf("unsubscribed feed still heard about %s", job.StepName)
	default:
	}

	t.Log("✓ Subscribed verdicts delivered, unsubscribed silence respected")
}
