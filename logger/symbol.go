package logger

import (
	"github.com/retracehq/retrace/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// These functions log with the symbol as a structured field, not in the message.
//
// Usage:
//
//	// Instead of:
//	logger.Infow(sym.Queue + " Job started", "job_id", id)
//
//	// Use:
//	logger.QueueInfow("Job started", "job_id", id)
//
// This makes logs queryable by symbol and keeps messages clean.

// QueueInfow logs an info message with the Queue symbol (꩜)
func QueueInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Queue}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// QueueDebugw logs a debug message with the Queue symbol (꩜)
func QueueDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Queue}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// QueueWarnw logs a warning message with the Queue symbol (꩜)
func QueueWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Queue}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// QueueErrorw logs an error message with the Queue symbol (꩜)
func QueueErrorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Queue}, keysAndValues...)
		Logger.Errorw(msg, fields...)
	}
}

// TraceInfow logs an info message with the Trace symbol (⟲)
// Used for execution tracking operations
func TraceInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Trace}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// TraceDebugw logs a debug message with the Trace symbol (⟲)
func TraceDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Trace}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// ExplainInfow logs an info message with the Explain symbol (∴)
// Used for reasoning generation operations
func ExplainInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Explain}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// ExplainDebugw logs a debug message with the Explain symbol (∴)
func ExplainDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Explain}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// DBInfow logs an info message with the DB symbol (⊔)
// Used for database/storage operations
func DBInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.DB}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// DBDebugw logs a debug message with the DB symbol (⊔)
func DBDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.DB}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// WithSymbol returns a logger with the given symbol as a field.
// For ad-hoc symbol usage not covered by the helpers above.
//
// Example:
//
//	symbolLogger := logger.WithSymbol(sym.AI)
//	symbolLogger.Infow("Generating reasoning", "model", model)
func WithSymbol(symbol string) *zap.SugaredLogger {
	return Logger.With(FieldSymbol, symbol)
}

// SymbolInfow logs with any symbol - for dynamic symbol usage
func SymbolInfow(symbol, msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symbol}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// ============================================================================
// Instance logger wrappers
// ============================================================================
// These functions wrap any logger with a symbol field, useful when you have
// an instance logger (e.g., s.logger, q.logger) rather than using the global Logger.
//
// Usage:
//
//	// At initialization:
//	type WorkerPool struct {
//	    queueLog *zap.SugaredLogger
//	}
//	p.queueLog = logger.AddQueueSymbol(baseLogger)

// AddQueueSymbol wraps a logger with the Queue symbol (꩜)
func AddQueueSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Queue)
}

// AddQueueOpenSymbol wraps a logger with the QueueOpen symbol (✿)
func AddQueueOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.QueueOpen)
}

// AddQueueCloseSymbol wraps a logger with the QueueClose symbol (❀)
func AddQueueCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.QueueClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddTraceSymbol wraps a logger with the Trace symbol (⟲)
func AddTraceSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Trace)
}

// AddExplainSymbol wraps a logger with the Explain symbol (∴)
func AddExplainSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Explain)
}

// AddAISymbol wraps a logger with the AI symbol (✧)
func AddAISymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.AI)
}
