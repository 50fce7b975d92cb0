package reasoning

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/retracehq/retrace/errors"
)

// ============================================================================
// Sherlock Holmes Case Lifecycle Test Universe
// ============================================================================
//
// Characters:
//   - Sherlock Holmes: Consulting detective who walks each case through its
//     states with complete deductive certainty
//
// Theme: A reasoning job is an open case. It is filed, investigated, and
// either closed with an explanation or abandoned after too many dead ends.
// ============================================================================

func TestNewJobOpensAFreshCase(t *testing.T) {
	t.Log("🔍 Sherlock opens a fresh case file...")

	job := NewJob("exec-study-in-scarlet", "collect_evidence")

	if job.ID == "" {
		t.Fatal("Sherlock received a case with no file number")
	}
	if len(job.ID) != 36 {
		t.Errorf("case number length = %d, want 36 (UUID format)", len(job.ID))
	}
	if job.ExecutionID != "exec-study-in-scarlet" {
		t.Errorf("execution id = %s, want exec-study-in-scarlet", job.ExecutionID)
	}
	if job.StepName != "collect_evidence" {
		t.Errorf("step name = %s, want collect_evidence", job.StepName)
	}
	if job.Attempt != 1 {
		t.Errorf("attempt = %d, a fresh case starts at 1", job.Attempt)
	}
	if job.Status != StatusPending {
		t.Errorf("status = %s, want %s", job.Status, StatusPending)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Error("fresh case is missing its filing timestamps")
	}
	if job.StartedAt != nil || job.CompletedAt != nil || job.NextRetryAt != nil {
		t.Error("fresh case should carry no investigation timestamps")
	}
	if job.IsTerminal() {
		t.Error("a case nobody has touched cannot be closed")
	}

	t.Logf("✓ Case %s opened, pending, first attempt", job.ID)
}

func TestJobStateTransitions(t *testing.T) {
	t.Log("🔍 Sherlock walks a case from filing to closure...")
	t.Log("   Case: 'The Hound of the Baskervilles'")

	job := NewJob("exec-hound", "examine_footprints")

	// Investigation begins
	job.Start()
	if job.Status != StatusProcessing {
		t.Errorf("status after Start = %s, want %s", job.Status, StatusProcessing)
	}
	if job.StartedAt == nil {
		t.Error("Start must record when the investigation began")
	}
	if job.IsTerminal() {
		t.Error("a case under investigation is not closed")
	}

	// Deduction complete
	job.Complete("The hound was painted with phosphorus")
	if job.Status != StatusCompleted {
		t.Errorf("status after Complete = %s, want %s", job.Status, StatusCompleted)
	}
	if job.Reasoning != "The hound was painted with phosphorus" {
		t.Errorf("reasoning = %q, the deduction must be on file", job.Reasoning)
	}
	if job.CompletedAt == nil {
		t.Error("Complete must record when the case closed")
	}
	if !job.IsTerminal() {
		t.Error("a completed case is closed")
	}

	t.Log("✓ Case transitioned pending → processing → completed")
	t.Log("  'Elementary, my dear Watson'")
}

func TestJobFailureKeepsTheLastError(t *testing.T) {
	t.Log("🔍 Sherlock abandons a case that cannot be solved...")

	job := NewJob("exec-unsolvable", "question_ghost")
	job.Start()
	job.Fail(errors.New("the witness never materialized"))

	if job.Status != StatusFailed {
		t.Errorf("status = %s, want %s", job.Status, StatusFailed)
	}
	if job.LastError != "the witness never materialized" {
		t.Errorf("last error = %q, the dead end must be on file", job.LastError)
	}
	if job.CompletedAt == nil {
		t.Error("even an abandoned case records when it was closed")
	}
	if !job.IsTerminal() {
		t.Error("a failed case is closed")
	}

	t.Log("✓ Case closed as failed with the final dead end recorded")
}

func TestJobRetryAdvancesTheAttempt(t *testing.T) {
	t.Log("🔍 A dead end sends the case back to the pile for another look...")

	job := NewJob("exec-norwood", "verify_alibi")
	job.Start()

	retryAt := time.Now().Add(2 * time.Second)
	job.Retry(retryAt, errors.New("fog too thick on the moor"))

	if job.Attempt != 2 {
		t.Errorf("attempt = %d, Retry must advance the counter to 2", job.Attempt)
	}
	if job.Status != StatusPending {
		t.Errorf("status = %s, a retried case goes back to pending", job.Status)
	}
	if job.NextRetryAt == nil || !job.NextRetryAt.Equal(retryAt) {
		t.Errorf("next retry at = %v, want %v", job.NextRetryAt, retryAt)
	}
	if job.StartedAt != nil {
		t.Error("a retried case drops its started_at until picked up again")
	}
	if job.LastError != "fog too thick on the moor" {
		t.Errorf("last error = %q, the retry cause must be on file", job.LastError)
	}
	if job.IsTerminal() {
		t.Error("a case awaiting retry is not closed")
	}

	// Another dead end, another attempt
	job.Retry(retryAt.Add(4*time.Second), errors.New("still foggy"))
	if job.Attempt != 3 {
		t.Errorf("attempt = %d, want 3 after the second retry", job.Attempt)
	}

	// Closure clears the retry residue
	job.Complete("the alibi collapses at nine o'clock")
	if job.LastError != "" {
		t.Errorf("last error = %q, a solved case carries no residue", job.LastError)
	}
	if job.NextRetryAt != nil {
		t.Error("a solved case has no next retry")
	}

	t.Log("✓ Attempt counter advanced on each retry and closure wiped the slate")
}

func TestIsValidStatus(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"pending", true},
		{"processing", true},
		{"completed", true},
		{"failed", true},
		{"queued", false},
		{"running", false},
		{"PENDING", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidStatus(tt.status); got != tt.want {
			t.Errorf("IsValidStatus(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestJobJSONOmitsEmptyFields(t *testing.T) {
	t.Log("🔍 A case file serializes without blank pages (CLI output)")

	fresh, err := json.Marshal(NewJob("exec-json", "search"))
	if err != nil {
		t.Fatalf("failed to marshal fresh job: %v", err)
	}
	for _, absent := range []string{"last_error", "reasoning", "started_at", "completed_at", "next_retry_at"} {
		if strings.Contains(string(fresh), absent) {
			t.Errorf("fresh case should omit %q, got: %s", absent, fresh)
		}
	}

	closed := NewJob("exec-json", "search")
	closed.Complete("a short deduction")
	data, err := json.Marshal(closed)
	if err != nil {
		t.Fatalf("failed to marshal completed job: %v", err)
	}
	if !strings.Contains(string(data), `"reasoning":"a short deduction"`) {
		t.Errorf("completed case should carry its reasoning, got: %s", data)
	}
	if !strings.Contains(string(data), "completed_at") {
		t.Errorf("completed case should carry completed_at, got: %s", data)
	}

	t.Log("✓ Empty fields omitted, closed-case fields present")
}
