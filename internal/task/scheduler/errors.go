package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotScheduled = errors.New("job not scheduled")
	ErrNotDue       = errors.New("job not due yet")
	ErrRunInFlight  = errors.New("job run already in flight")
	ErrNotRunning   = errors.New("no job run in flight")
	ErrAbandoned    = errors.New("job abandoned")
	ErrCompleted    = errors.New("job completed")
	ErrNotTerminal  = errors.New("job is neither abandoned nor completed")
	ErrRestored     = errors.New("job already scheduled; restore must run first")
	// ErrInterrupted is the failure recorded for a run that was in flight when
	// the process stopped.
	ErrInterrupted = errors.New("run interrupted by restart")
	// ErrRunFailed is used when a run reports failure without an error.
	ErrRunFailed = errors.New("run reported failure")
)

// ConfigError reports an invalid scheduling setting. The scheduler refuses to
// compute a due date until it is corrected.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NoRetry marks a run error as permanent: the job is abandoned without
// spending the remaining retries.
//
//	return n, scheduler.NoRetry(fmt.Errorf("history table missing: %w", err))
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

// RetryAfter attaches a suggested retry delay to a run error (for example a
// lock held by another process). The hint is bounded by RetryMaxDelay and
// still jittered.
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
