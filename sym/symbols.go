// Package sym defines canonical symbols for retrace subsystems and system markers.
// These symbols are stable across CLI output, logs, and documentation.
package sym

// Pipeline symbols — the trace-to-explanation flow.
const (
	Trace   = "⟲" // trace — execution tracking, step timing
	Explain = "∴" // explain — reasoning generation (therefore)
	AI      = "✧" // ai — LLM provider calls and usage tracking
)

// System infrastructure symbols.
const (
	Queue      = "꩜" // async reasoning jobs, retry, backoff
	QueueOpen  = "✿" // graceful startup with orphaned job recovery
	QueueClose = "❀" // graceful shutdown with in-flight job completion
	DB         = "⊔" // database/storage layer
	Config     = "≡" // configuration and system settings
)

// SymbolToCommand maps glyph strings to their CLI command equivalents.
// Infrastructure glyphs without a dedicated command map to the subsystem
// that owns them.
var SymbolToCommand = map[string]string{
	Trace:   "import",
	Explain: "explain",
	Queue:   "jobs",
	DB:      "db",
	Config:  "config",
}

// CommandToSymbol maps CLI commands to their canonical glyph strings.
var CommandToSymbol = map[string]string{
	"import":  Trace,
	"explain": Explain,
	"jobs":    Queue,
	"db":      DB,
	"config":  Config,
}

// CommandDescriptions provides human-readable explanations for help output.
var CommandDescriptions = map[string]string{
	"import":  "Trace — Record pipeline executions with step timing",
	"explain": "Explain — Generate step-by-step reasoning for an execution",
	"jobs":    "Queue — Inspect and manage async reasoning jobs",
	"db":      "Database — Storage operations and statistics",
	"config":  "Configuration — System settings and state",
}
