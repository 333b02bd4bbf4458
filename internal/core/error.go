/*
Package core runs a pool of CPU-pinned worker goroutines on top of the
affinity platform. Each worker locks its OS thread, asks the platform for a
good logical CPU and pins itself there; work items are routed to workers by
hashing a shard key.
*/
package core

import "errors"

// customError is an error type that includes a retryable flag, so callers
// can tell transient submission failures (full queue, throttling) from
// terminal ones (shutdown).
type customError struct {
	message   string
	retryable bool
}

// NewError creates a new customError with the given message and retryable
// status.
func NewError(msg string, retryable bool) error {
	return &customError{
		message:   msg,
		retryable: retryable,
	}
}

// Error implements the standard Go `error` interface.
func (e *customError) Error() string {
	return e.message
}

// IsRetryable returns true if the error is designated as retryable.
func (e *customError) IsRetryable() bool {
	return e.retryable
}

// IsRetryable is a helper to check if a given error is, or wraps, a
// retryable *customError. Unknown error types default to non-retryable.
func IsRetryable(err error) bool {
	var e *customError
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}

// Common error values for frequent submission outcomes.
var (
	// ErrQueueFull indicates the target worker's queue is at capacity. The
	// queue may drain, so the submission can be retried.
	ErrQueueFull = NewError("worker queue full", true)
	// ErrThrottled indicates the adaptive submission limiter rejected the
	// item. Retryable once the rate recovers.
	ErrThrottled = NewError("submission throttled", true)
	// ErrSchedulerShutdown indicates the scheduler is terminating and will
	// not accept further work.
	ErrSchedulerShutdown = NewError("scheduler shutdown", false)
)
