package reasoning

import (
	"testing"
	"time"
)

// ============================================================
// Doc Brown Backoff Calibration Test Universe
//
// Characters:
//   - Doc Brown ⚡: calibrates exactly how long a failed job
//     waits before the next run. "1s, 2s, 4s, 8s, then 8s
//     forever. Great Scott!"
//
// Theme: the retry ladder must double predictably, cap at the
// ceiling, and shrug off nonsense inputs without overflowing.
// ============================================================

func TestDocBrownCalibratesTheLadder(t *testing.T) {
	t.Log("⚡ Doc Brown checks the standard retry ladder...")

	backoff := DefaultBackoff()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second},
		{20, 8 * time.Second},
	}

	for _, tc := range cases {
		if got := backoff.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}

	t.Log("✓ 1s, 2s, 4s, 8s, then 8s forever")
}

func TestDocBrownHandlesAnUncalibratedMachine(t *testing.T) {
	t.Log("⚡ The zero value never went through calibration...")

	var backoff Exponential

	if got := backoff.Delay(1); got != time.Second {
		t.Errorf("zero-value Delay(1) = %v, want 1s", got)
	}
	if got := backoff.Delay(4); got != 8*time.Second {
		t.Errorf("zero-value Delay(4) = %v, want 8s", got)
	}

	t.Log("✓ The zero value behaves like the standard ladder")
}

func TestDocBrownRefusesImpossibleDates(t *testing.T) {
	t.Log("⚡ Doc Brown feeds the machine impossible attempt numbers...")

	backoff := DefaultBackoff()

	if got := backoff.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want 1s", got)
	}
	if got := backoff.Delay(-3); got != time.Second {
		t.Errorf("Delay(-3) = %v, want 1s", got)
	}
	if got := backoff.Delay(500); got != 8*time.Second {
		t.Errorf("Delay(500) = %v, want the 8s ceiling", got)
	}

	t.Log("✓ No overflow, no negative waits, just the ladder")
}

func TestDocBrownBuildsACustomLadder(t *testing.T) {
	t.Log("⚡ Doc Brown wires a faster ladder for the test bench...")

	backoff := Exponential{Base: 100 * time.Millisecond, Max: 300 * time.Millisecond}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{4, 300 * time.Millisecond},
	}

	for _, tc := range cases {
		if got := backoff.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}

	t.Log("✓ Custom base and ceiling respected")
}
