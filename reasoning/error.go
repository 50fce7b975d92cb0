package reasoning

import (
	"strings"

	"github.com/retracehq/retrace/errors"
)

// ErrorCode represents the classification of a job failure
type ErrorCode string

const (
	ErrorCodeNetwork     ErrorCode = "network"
	ErrorCodeTimeout     ErrorCode = "timeout"
	ErrorCodeRateLimited ErrorCode = "rate_limited"
	ErrorCodeUpstream    ErrorCode = "upstream"
	ErrorCodeDatabase    ErrorCode = "database"
	ErrorCodeMissingData ErrorCode = "missing_data"
	ErrorCodeUnknown     ErrorCode = "unknown"
)

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage     string    // where the error occurred (explain, persist_reasoning, ...)
	Code      ErrorCode // error classification
	Message   string    // human-readable message
	Retryable bool      // whether the job should be retried
}

// ClassifyError categorizes an error for retry decisions and logging.
//
// Structured marking wins: collaborators wrap transient failures with
// errors.MarkTransient at the boundary, and anything not found stays fatal.
// Substring matching is the fallback for errors that arrive unwrapped from
// the net stack or the sqlite driver. Unrecognized errors are fatal; only
// failures that look like they can pass on a second try earn a retry.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ctx := ErrorContext{
		Stage:   stage,
		Message: err.Error(),
	}

	if errors.IsNotFoundError(err) {
		ctx.Code = ErrorCodeMissingData
		return ctx
	}
	if errors.IsTransient(err) {
		ctx.Code = ErrorCodeNetwork
		ctx.Retryable = true
		return ctx
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "connection reset"),
		strings.Contains(errLower, "connection refused"),
		strings.Contains(errLower, "no such host"),
		strings.Contains(errLower, "tls handshake"):
		ctx.Code = ErrorCodeNetwork
		ctx.Retryable = true

	case strings.Contains(errLower, "timeout"),
		strings.Contains(errLower, "timed out"),
		strings.Contains(errLower, "deadline exceeded"):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true

	case strings.Contains(errLower, "rate limit"),
		strings.Contains(errLower, "status 429"):
		ctx.Code = ErrorCodeRateLimited
		ctx.Retryable = true

	case strings.Contains(errLower, "status 502"),
		strings.Contains(errLower, "status 503"),
		strings.Contains(errLower, "status 504"):
		ctx.Code = ErrorCodeUpstream
		ctx.Retryable = true

	case strings.Contains(errLower, "database is locked"),
		strings.Contains(errLower, "database table is locked"),
		strings.Contains(errLower, "database busy"):
		ctx.Code = ErrorCodeDatabase
		ctx.Retryable = true

	default:
		ctx.Code = ErrorCodeUnknown
	}

	return ctx
}
