package config

import "github.com/spf13/viper"

// SetDefaults applies built-in defaults to a Viper instance. These form the
// lowest-precedence layer; any config file or RETRACE_* environment variable
// overrides them.
func SetDefaults(v *viper.Viper) {
	// Database
	v.SetDefault("database.path", DefaultDatabaseFile)

	// Logging
	v.SetDefault("logging.verbosity", 0)
	v.SetDefault("logging.json", false)

	// Reasoning queue
	v.SetDefault("reasoning.auto_process", true)
	v.SetDefault("reasoning.workers", 3)
	v.SetDefault("reasoning.max_retries", 3)
	v.SetDefault("reasoning.llm_timeout_seconds", 30)
	v.SetDefault("reasoning.max_field_bytes", 2048)
	v.SetDefault("reasoning.debug", false)

	// Provider selection
	v.SetDefault("ai.provider", "auto")

	// Local inference (Ollama-compatible). Opt-in: reasoning generation
	// reaches for OpenRouter unless a local server is configured.
	v.SetDefault("local_inference.enabled", false)
	v.SetDefault("local_inference.base_url", "http://localhost:11434")
	v.SetDefault("local_inference.model", "llama3.2:3b")
	v.SetDefault("local_inference.timeout_seconds", 120)
	v.SetDefault("local_inference.context_size", 16384)

	// OpenRouter
	v.SetDefault("openrouter.model", "openai/gpt-4o-mini")
	v.SetDefault("openrouter.temperature", 0.2)
	v.SetDefault("openrouter.max_tokens", 1000)
}

// sensitiveEnvBindings maps setting keys to the environment variables that
// can supply them, in precedence order. Introspection consults this so
// `config show --sources` reports the winning variable.
var sensitiveEnvBindings = map[string][]string{
	"openrouter.api_key":       {"RETRACE_OPENROUTER_API_KEY", "OPENROUTER_API_KEY", "RETRACE_AI_API_KEY"},
	"database.path":            {"RETRACE_DATABASE_PATH"},
	"local_inference.base_url": {"RETRACE_LOCAL_INFERENCE_BASE_URL"},
}

// BindSensitiveEnvVars binds credentials and machine-specific paths to
// environment variables so they never need to live in a config file.
// OPENROUTER_API_KEY is the vendor-conventional name; RETRACE_AI_API_KEY is
// the provider-agnostic alias.
func BindSensitiveEnvVars(v *viper.Viper) {
	for key, envVars := range sensitiveEnvBindings {
		v.BindEnv(append([]string{key}, envVars...)...)
	}
}
