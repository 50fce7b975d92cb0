// Package explain turns completed pipeline steps into short human-readable
// explanations. Strategies run in decreasing order of cost: an error
// short-circuit, free pattern detectors over the step's payload shape, a
// language-model call, and a generic fallback that cannot fail.
package explain

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/retracehq/retrace/ai/provider"
	"github.com/retracehq/retrace/errors"
	"github.com/retracehq/retrace/logger"
	"github.com/retracehq/retrace/sym"
	"github.com/retracehq/retrace/trace"
)

// ChainConfig tunes the explanation chain.
type ChainConfig struct {
	// Detectors overrides the rule-based tier. Nil means DefaultDetectors.
	Detectors []Detector
	// Timeout bounds the language-model call. 0 means 30s.
	Timeout time.Duration
	// MaxFieldBytes truncates step input/output JSON embedded in the
	// prompt. 0 means 2048.
	MaxFieldBytes int
	// Model overrides the provider's default model for reasoning calls.
	Model string
	// Debug logs which tier produced each explanation.
	Debug bool
}

// Chain produces explanations for completed steps. A nil AI client disables
// the language-model tier; detectors and the generic fallback still run.
type Chain struct {
	ai        provider.AIClient
	detectors []Detector
	cfg       ChainConfig
	log       *zap.SugaredLogger
}

// NewChain builds a chain with the given provider and configuration.
func NewChain(ai provider.AIClient, cfg ChainConfig, log *zap.SugaredLogger) *Chain {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Detectors == nil {
		cfg.Detectors = DefaultDetectors()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxFieldBytes <= 0 {
		cfg.MaxFieldBytes = 2048
	}
	return &Chain{ai: ai, detectors: cfg.Detectors, cfg: cfg, log: log}
}

// Explain returns a short explanation for a completed step. The text is
// always usable: every internal failure degrades to the generic tier
// instead of propagating. A non-nil error reports that the language-model
// tier failed transiently and the text is the generic fallback; callers
// with a retry budget may retry for a better answer, everyone else can
// persist the text and ignore the error.
func (c *Chain) Explain(ctx context.Context, step *trace.Step) (text string, llmErr error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("Explanation chain panicked, using generic fallback",
				logger.FieldStep, step.Name,
				"panic", r)
			text = c.fallback(step)
			llmErr = nil
		}
	}()

	// Failed steps explain themselves; no detector or model runs
	if step.Failed() {
		return fmt.Sprintf("Step %q failed after %dms: %s", step.Name, step.DurationMs, step.Error), nil
	}

	// Pattern detectors in priority order, first hit wins
	for _, d := range c.detectors {
		if explanation, ok := d.TryMatch(step); ok {
			if c.cfg.Debug {
				c.log.Debugw(sym.Explain+" Detector matched",
					logger.FieldStep, step.Name,
					"detector", d.Name())
			}
			return explanation, nil
		}
	}

	// Language model
	if c.ai != nil {
		explanation, err := c.explainWithModel(ctx, step)
		if err == nil && explanation != "" {
			if c.cfg.Debug {
				c.log.Debugw(sym.AI+" Model produced reasoning",
					logger.FieldStep, step.Name)
			}
			return explanation, nil
		}
		if err != nil {
			transient := errors.IsTransient(err)
			c.log.Warnw(sym.AI+" Reasoning model call failed, using generic fallback",
				logger.FieldStep, step.Name,
				"transient", transient,
				"error", err)
			if transient {
				return c.fallback(step), err
			}
		}
	}

	return c.fallback(step), nil
}

// ExplainExecution fills Reasoning for every completed step missing one,
// in step order. Steps that already carry reasoning are left untouched.
// For embedders that run without the durable job queue; the returned error
// is the first transient model failure, the execution is fully annotated
// either way.
func (c *Chain) ExplainExecution(ctx context.Context, exec *trace.Execution) error {
	var firstErr error
	for i := range exec.Steps {
		step := &exec.Steps[i]
		if step.HasReasoning() {
			continue
		}
		text, err := c.Explain(ctx, step)
		step.Reasoning = &text
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fallback is the tier that cannot fail.
func (c *Chain) fallback(step *trace.Step) string {
	return fmt.Sprintf("Completed %q step in %dms", step.Name, step.DurationMs)
}
