package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConfig = errors.New("scheduler: invalid config")
	ErrBatchActive   = errors.New("scheduler: batch is running")
	ErrDuplicateTask = errors.New("scheduler: duplicate task id")
	ErrInvalidTask   = errors.New("scheduler: invalid task")
	ErrCancelled     = errors.New("scheduler: batch cancelled")
	ErrCircuitOpen   = errors.New("scheduler: circuit breaker open")
)

// NoRetry marks an error as non-retryable.
//
// Runners can wrap validation errors or other permanent failures with
// NoRetry so the task is finalized on the first failure.
//
// Example:
//
//	return nil, scheduler.NoRetry(fmt.Errorf("bad prompt: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before the next attempt.
//
// Useful when the downstream API returns a Retry-After value (e.g. HTTP 429).
// The hint replaces the exponential delay but is still bounded by
// Config.RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
