package config

import (
	"strings"

	"github.com/retracehq/retrace/errors"
)

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	// Database path is optional; empty falls back to DefaultDatabaseFile

	// Reasoning workers: 0 = no background workers, negative = invalid
	if c.Reasoning.Workers < 0 {
		return errors.Newf("reasoning.workers must be >= 0, got %d", c.Reasoning.Workers)
	}

	// Max retries: 0 = single attempt with no retry, negative = invalid
	if c.Reasoning.MaxRetries < 0 {
		return errors.Newf("reasoning.max_retries must be >= 0, got %d", c.Reasoning.MaxRetries)
	}

	// Timeout and truncation caps: 0 = use built-in default
	if c.Reasoning.LLMTimeoutSeconds < 0 {
		return errors.Newf("reasoning.llm_timeout_seconds must be >= 0, got %d", c.Reasoning.LLMTimeoutSeconds)
	}
	if c.Reasoning.MaxFieldBytes < 0 {
		return errors.Newf("reasoning.max_field_bytes must be >= 0, got %d", c.Reasoning.MaxFieldBytes)
	}

	switch strings.ToLower(c.AI.Provider) {
	case "", "auto", "local", "openrouter":
	default:
		return errors.Newf("ai.provider must be one of local, openrouter, auto; got %q", c.AI.Provider)
	}

	// Validate local inference configuration only when enabled
	if c.LocalInference.Enabled {
		if c.LocalInference.BaseURL == "" {
			return errors.New("local_inference.base_url cannot be empty when enabled")
		}
		if c.LocalInference.Model == "" {
			return errors.New("local_inference.model cannot be empty when enabled")
		}
		if c.LocalInference.TimeoutSeconds <= 0 {
			return errors.Newf("local_inference.timeout_seconds must be > 0, got %d", c.LocalInference.TimeoutSeconds)
		}
	}

	if c.OpenRouter.Temperature != nil {
		if *c.OpenRouter.Temperature < 0 || *c.OpenRouter.Temperature > 2 {
			return errors.Newf("openrouter.temperature must be between 0 and 2, got %f", *c.OpenRouter.Temperature)
		}
	}
	if c.OpenRouter.MaxTokens != nil && *c.OpenRouter.MaxTokens <= 0 {
		return errors.Newf("openrouter.max_tokens must be > 0, got %d (omit for default)", *c.OpenRouter.MaxTokens)
	}

	return nil
}
