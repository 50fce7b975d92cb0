package reasoning

import (
	"time"
)

// Strategy computes how long to wait before the next attempt.
// Delay is called with the number of failures so far (1-based), so
// Delay(1) is the wait after the first failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay on every failure up to a ceiling:
// 1s, 2s, 4s, 8s, 8s, ... with the defaults. No jitter; the retry
// volume here is a handful of LLM calls, not a thundering herd.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the standard retry ladder
func DefaultBackoff() Exponential {
	return Exponential{Base: time.Second, Max: 8 * time.Second}
}

// Delay implements Strategy
func (e Exponential) Delay(attempt int) time.Duration {
	base := e.Base
	if base <= 0 {
		base = time.Second
	}
	max := e.Max
	if max <= 0 {
		max = 8 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	// Cap the shift so large attempt counts cannot overflow
	if attempt > 32 {
		return max
	}
	delay := base << (attempt - 1)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}
