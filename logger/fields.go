package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across retrace.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID       = "job_id"
	FieldExecutionID = "execution_id"
	FieldStep        = "step"
	FieldPipeline    = "pipeline"

	// Components
	FieldComponent = "component"
	FieldService   = "service"

	// Operations
	FieldOperation = "operation"
	FieldQuery     = "query"
	FieldAttempt   = "attempt"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldStartTime  = "start_time"
	FieldEndTime    = "end_time"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"
	FieldErrorType = "error_type"

	// Counts and sizes
	FieldCount      = "count"
	FieldSize       = "size"
	FieldBatchSize  = "batch_size"
	FieldTotalCount = "total_count"

	// Status
	FieldStatus  = "status"
	FieldHealthy = "healthy"
	FieldState   = "state"

	// Files and paths
	FieldFile = "file"
	FieldPath = "path"

	// LLM
	FieldModel    = "model"
	FieldProvider = "provider"
	FieldTokens   = "tokens"

	// retrace-specific
	FieldSymbol = "symbol" // subsystem symbol (꩜, ✿, ❀, ⟲, ∴, etc.)
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey       contextKey = "logger_job_id"
	executionIDKey contextKey = "logger_execution_id"
	stepKey        contextKey = "logger_step"
	componentKey   contextKey = "logger_component"
)

// WithJobID adds a reasoning job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithExecutionID adds an execution ID to the context for logging
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithStep adds a step name to the context for logging
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, stepKey, step)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if executionID, ok := ctx.Value(executionIDKey).(string); ok && executionID != "" {
		fields = append(fields, FieldExecutionID, executionID)
	}
	if step, ok := ctx.Value(stepKey).(string); ok && step != "" {
		fields = append(fields, FieldStep, step)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
// Use this to get a logger that automatically includes job_id, execution_id, etc.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type WorkerPool struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewWorkerPool() *WorkerPool {
//	    return &WorkerPool{
//	        logger: logger.ComponentLogger("reasoning.worker"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
// Use for sub-operations that need extra context fields.
//
// Example:
//
//	jobLogger := logger.ChildLogger(baseLogger, "job_id", job.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
