package trace

import (
	"testing"
	"time"

	"github.com/retracehq/retrace/errors"
	retracetest "github.com/retracehq/retrace/internal/testing"
	"github.com/retracehq/retrace/internal/util"
)

// newSearchExecution builds a finished product-search run with the given
// steps, stamped with consistent timing.
func newSearchExecution(id string, steps ...Step) *Execution {
	started := time.Now().UTC().Add(-time.Minute)
	ended := started.Add(30 * time.Second)
	for i := range steps {
		if steps[i].Status == "" {
			steps[i].Status = StepStatusCompleted
		}
		steps[i].StartedAt = started
		steps[i].EndedAt = &ended
		steps[i].DurationMs = 30000
	}
	return &Execution{
		ID:           id,
		Pipeline:     "product-search",
		Status:       ExecutionStatusCompleted,
		Metadata:     map[string]any{"marketplace": "US"},
		FinalOutcome: "recommended B0FX123",
		Steps:        steps,
		StartedAt:    started,
		EndedAt:      &ended,
		DurationMs:   30000,
	}
}

func TestSaveExecution_RoundTrip(t *testing.T) {
	db := retracetest.CreateTestDB(t)
	store := NewStore(db)

	exec := newSearchExecution("exec_rt_001",
		Step{
			Name:      "search",
			Input:     map[string]any{"keyword": "water bottle"},
			Output:    map[string]any{"total_results": float64(2847), "candidates_fetched": float64(10)},
			Reasoning: util.Ptr(`Found 2847 results for "water bottle", returned 10`),
		},
		Step{
			Name:   "apply_filters",
			Input:  map[string]any{"filters_applied": map[string]any{"minRating": 4.0}},
			Output: map[string]any{"total_evaluated": float64(10), "passed": float64(3), "failed": float64(7)},
		},
	)

	if err := store.SaveExecution(exec); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}

	loaded, err := store.GetExecutionByID("exec_rt_001")
	if err != nil {
		t.Fatalf("GetExecutionByID failed: %v", err)
	}

	if loaded.Pipeline != "product-search" {
		t.Errorf("expected pipeline 'product-search', got '%s'", loaded.Pipeline)
	}
	if loaded.FinalOutcome != "recommended B0FX123" {
		t.Errorf("expected final outcome preserved, got '%s'", loaded.FinalOutcome)
	}
	if loaded.Metadata["marketplace"] != "US" {
		t.Errorf("expected metadata round trip, got %v", loaded.Metadata)
	}
	if loaded.EndedAt == nil {
		t.Error("expected EndedAt to survive the round trip")
	}
	if len(loaded.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(loaded.Steps))
	}

	search := loaded.Step("search")
	if search == nil {
		t.Fatal("expected 'search' step to load")
	}
	if search.Input["keyword"] != "water bottle" {
		t.Errorf("expected step input round trip, got %v", search.Input)
	}
	if search.Output["total_results"] != float64(2847) {
		t.Errorf("expected step output round trip, got %v", search.Output)
	}
	if !search.HasReasoning() {
		t.Error("expected saved reasoning to load")
	}

	filters := loaded.Step("apply_filters")
	if filters == nil {
		t.Fatal("expected 'apply_filters' step to load")
	}
	if filters.HasReasoning() {
		t.Error("expected unset reasoning to stay unset")
	}

	// Step order must follow insertion order, not name order
	if loaded.Steps[0].Name != "search" || loaded.Steps[1].Name != "apply_filters" {
		t.Errorf("steps out of order: %s, %s", loaded.Steps[0].Name, loaded.Steps[1].Name)
	}
}

func TestSaveExecution_RejectsZeroSteps(t *testing.T) {
	db := retracetest.CreateTestDB(t)
	store := NewStore(db)

	exec := &Execution{ID: "exec_empty_001", StartedAt: time.Now()}
	err := store.SaveExecution(exec)
	if err == nil {
		t.Fatal("expected zero-step execution to be rejected")
	}
	if !errors.IsInvalidRequestError(err) {
		t.Errorf("expected invalid-request error, got: %v", err)
	}

	// Nothing must have been written
	if _, err := store.GetExecutionByID("exec_empty_001"); !errors.IsNotFoundError(err) {
		t.Errorf("expected not-found after rejected save, got: %v", err)
	}
}

func TestSaveExecution_PreservesReasoningOnResave(t *testing.T) {
	db := retracetest.CreateTestDB(t)
	store := NewStore(db)

	exec := newSearchExecution("exec_resave_001",
		Step{Name: "search", Output: map[string]any{"total_results": float64(12)}},
	)
	if err := store.SaveExecution(exec); err != nil {
		t.Fatalf("initial save failed: %v", err)
	}

	// The queue writes reasoning out-of-band
	if err := store.UpdateStepReasoning("exec_resave_001", "search", "Found 12 results"); err != nil {
		t.Fatalf("UpdateStepReasoning failed: %v", err)
	}

	// The caller re-saves the tracker snapshot, which has no reasoning
	exec.Steps[0].Reasoning = nil
	if err := store.SaveExecution(exec); err != nil {
		t.Fatalf("re-save failed: %v", err)
	}

	loaded, err := store.GetExecutionByID("exec_resave_001")
	if err != nil {
		t.Fatalf("GetExecutionByID failed: %v", err)
	}
	step := loaded.Step("search")
	if !step.HasReasoning() || *step.Reasoning != "Found 12 results" {
		t.Errorf("expected reasoning to survive a reasoning-less re-save, got %v", step.Reasoning)
	}

	// An incoming step that carries its own reasoning overwrites
	exec.Steps[0].Reasoning = util.Ptr("Refreshed explanation")
	if err := store.SaveExecution(exec); err != nil {
		t.Fatalf("overwrite save failed: %v", err)
	}
	loaded, err = store.GetExecutionByID("exec_resave_001")
	if err != nil {
		t.Fatalf("GetExecutionByID failed: %v", err)
	}
	if got := *loaded.Step("search").Reasoning; got != "Refreshed explanation" {
		t.Errorf("expected explicit reasoning to overwrite, got '%s'", got)
	}
}

func TestSaveExecution_ReplacesStepList(t *testing.T) {
	db := retracetest.CreateTestDB(t)
	store := NewStore(db)

	exec := newSearchExecution("exec_replace_001",
		Step{Name: "search"},
		Step{Name: "apply_filters"},
		Step{Name: "debug_dump"},
	)
	if err := store.SaveExecution(exec); err != nil {
		t.Fatalf("initial save failed: %v", err)
	}

	exec.Steps = exec.Steps[:2]
	if err := store.SaveExecution(exec); err != nil {
		t.Fatalf("re-save failed: %v", err)
	}

	loaded, err := store.GetExecutionByID("exec_replace_001")
	if err != nil {
		t.Fatalf("GetExecutionByID failed: %v", err)
	}
	if len(loaded.Steps) != 2 {
		t.Fatalf("expected removed step to be pruned, got %d steps", len(loaded.Steps))
	}
	if loaded.Step("debug_dump") != nil {
		t.Error("expected 'debug_dump' to be gone after re-save")
	}
}

func TestUpdateStepReasoning(t *testing.T) {
	db := retracetest.CreateTestDB(t)
	store := NewStore(db)

	exec := newSearchExecution("exec_reason_001",
		Step{Name: "search"},
		Step{Name: "select_best"},
	)
	if err := store.SaveExecution(exec); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := store.UpdateStepReasoning("exec_reason_001", "select_best", "Selected Hydro Flask from 5 ranked candidates"); err != nil {
		t.Fatalf("UpdateStepReasoning failed: %v", err)
	}

	loaded, err := store.GetExecutionByID("exec_reason_001")
	if err != nil {
		t.Fatalf("GetExecutionByID failed: %v", err)
	}
	if got := loaded.Step("select_best").Reasoning; got == nil || *got != "Selected Hydro Flask from 5 ranked candidates" {
		t.Errorf("expected reasoning written, got %v", got)
	}
	if loaded.Step("search").HasReasoning() {
		t.Error("sibling step must be untouched")
	}

	// Unknown step is a not-found error, so the queue can classify it fatal
	err = store.UpdateStepReasoning("exec_reason_001", "no_such_step", "text")
	if !errors.IsNotFoundError(err) {
		t.Errorf("expected not-found for unknown step, got: %v", err)
	}
	err = store.UpdateStepReasoning("exec_missing", "search", "text")
	if !errors.IsNotFoundError(err) {
		t.Errorf("expected not-found for unknown execution, got: %v", err)
	}
}

func TestGetExecutionByID_NotFound(t *testing.T) {
	db := retracetest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.GetExecutionByID("exec_ghost")
	if err == nil {
		t.Fatal("expected an error for a missing execution")
	}
	if !errors.IsNotFoundError(err) {
		t.Errorf("expected not-found error, got: %v", err)
	}
}

func TestListExecutions(t *testing.T) {
	db := retracetest.CreateTestDB(t)
	store := NewStore(db)

	first := newSearchExecution("exec_list_001",
		Step{Name: "search", Reasoning: util.Ptr("Found 12 results")},
		Step{Name: "apply_filters"},
	)
	second := newSearchExecution("exec_list_002", Step{Name: "ingest"})
	second.Pipeline = "catalog-import"

	if err := store.SaveExecution(first); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.SaveExecution(second); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	all, err := store.ListExecutions("", 10)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(all))
	}

	filtered, err := store.ListExecutions("product-search", 10)
	if err != nil {
		t.Fatalf("ListExecutions with filter failed: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("expected 1 product-search execution, got %d", len(filtered))
	}
	sum := filtered[0]
	if sum.ID != "exec_list_001" {
		t.Errorf("expected exec_list_001, got '%s'", sum.ID)
	}
	if sum.StepCount != 2 {
		t.Errorf("expected 2 steps counted, got %d", sum.StepCount)
	}
	if sum.ReasonedSteps != 1 {
		t.Errorf("expected 1 reasoned step counted, got %d", sum.ReasonedSteps)
	}
}

func TestDeleteExecution(t *testing.T) {
	db := retracetest.CreateTestDB(t)
	store := NewStore(db)

	exec := newSearchExecution("exec_del_001", Step{Name: "search"})
	if err := store.SaveExecution(exec); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := store.DeleteExecution("exec_del_001"); err != nil {
		t.Fatalf("DeleteExecution failed: %v", err)
	}

	if _, err := store.GetExecutionByID("exec_del_001"); !errors.IsNotFoundError(err) {
		t.Errorf("expected execution gone, got: %v", err)
	}

	// The foreign key cascade must clear the steps too
	var stepCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM execution_steps WHERE execution_id = ?`, "exec_del_001").Scan(&stepCount); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if stepCount != 0 {
		t.Errorf("expected cascade delete of steps, found %d rows", stepCount)
	}

	if err := store.DeleteExecution("exec_del_001"); !errors.IsNotFoundError(err) {
		t.Errorf("expected not-found on double delete, got: %v", err)
	}
}
