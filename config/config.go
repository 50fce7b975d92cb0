// Package config loads and persists retrace configuration through Viper.
//
// Precedence, lowest to highest: built-in defaults < /etc/retrace/config.toml
// < ~/.retrace/retrace.toml < project .retrace.toml (found by walking up from
// the working directory) < RETRACE_* environment variables.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for retrace.
type Config struct {
	Database       DatabaseConfig       `mapstructure:"database" yaml:"database"`
	Logging        LoggingConfig        `mapstructure:"logging" yaml:"logging"`
	Reasoning      ReasoningConfig      `mapstructure:"reasoning" yaml:"reasoning"`
	AI             AIConfig             `mapstructure:"ai" yaml:"ai"`
	LocalInference LocalInferenceConfig `mapstructure:"local_inference" yaml:"local_inference"`
	OpenRouter     OpenRouterConfig     `mapstructure:"openrouter" yaml:"openrouter"`
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig controls the daemon's log output. Verbosity maps to the
// same levels as the -v flag counts; the config watcher applies changes
// to a running daemon without a restart.
type LoggingConfig struct {
	Verbosity int  `mapstructure:"verbosity" yaml:"verbosity"`
	JSON      bool `mapstructure:"json" yaml:"json"`
}

// ReasoningConfig tunes the asynchronous reasoning queue.
type ReasoningConfig struct {
	// AutoProcess enqueues reasoning jobs automatically when an execution
	// is saved with steps that have no reasoning yet.
	AutoProcess bool `mapstructure:"auto_process" yaml:"auto_process"`
	// Workers is the number of concurrent reasoning workers. 0 disables
	// background processing; jobs then only run via the synchronous paths.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// MaxRetries caps attempts per job before it is marked failed.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// LLMTimeoutSeconds bounds a single reasoning-generation call.
	// 0 means the built-in default.
	LLMTimeoutSeconds int `mapstructure:"llm_timeout_seconds" yaml:"llm_timeout_seconds"`
	// MaxFieldBytes truncates step input/output JSON embedded in LLM
	// prompts. 0 means the built-in default.
	MaxFieldBytes int `mapstructure:"max_field_bytes" yaml:"max_field_bytes"`
	// Debug enables verbose per-step logging in the explanation chain.
	Debug bool `mapstructure:"debug" yaml:"debug"`
}

// LLMTimeout returns LLMTimeoutSeconds as a duration, falling back to 30s
// when unset.
func (r ReasoningConfig) LLMTimeout() time.Duration {
	if r.LLMTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.LLMTimeoutSeconds) * time.Second
}

// AIConfig selects which LLM provider generates reasoning.
type AIConfig struct {
	// Provider is one of "local", "openrouter", or "auto". Auto prefers
	// local inference when enabled and falls back to OpenRouter.
	Provider string `mapstructure:"provider" yaml:"provider"`
}

// LocalInferenceConfig points at an Ollama-compatible local server.
type LocalInferenceConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	Model          string `mapstructure:"model" yaml:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	ContextSize    *int   `mapstructure:"context_size" yaml:"context_size,omitempty"`
}

// OpenRouterConfig holds credentials and model selection for OpenRouter.
// Temperature and MaxTokens are pointers so an explicit zero survives the
// round trip through Viper.
type OpenRouterConfig struct {
	APIKey      string   `mapstructure:"api_key" yaml:"api_key"`
	Model       string   `mapstructure:"model" yaml:"model"`
	Temperature *float64 `mapstructure:"temperature" yaml:"temperature,omitempty"`
	MaxTokens   *int     `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
}

const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// DefaultDatabaseFile is the database filename used when no path is
// configured.
const DefaultDatabaseFile = "retrace.db"

// GetDatabasePath returns the configured database path, or the default
// filename in the working directory when unset.
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabaseFile
	}
	return c.Database.Path
}

// String renders the configuration as YAML with credentials masked, for
// `retrace config show` and debug logging.
func (c *Config) String() string {
	redacted := *c
	if redacted.OpenRouter.APIKey != "" {
		redacted.OpenRouter.APIKey = "[redacted]"
	}
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return fmt.Sprintf("config unrenderable: %v", err)
	}
	return string(out)
}
