package scheduler

import (
	"fmt"
	"time"

	"cleanupd/internal/window"
)

type State string

const (
	StateUnscheduled State = "unscheduled"
	StatePending     State = "pending"
	StateDue         State = "due"
	StateRunning     State = "running"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateAbandoned   State = "abandoned"
	StateCompleted   State = "completed"
)

// Terminal reports whether no further run happens without Rearm.
func (s State) Terminal() bool { return s == StateAbandoned || s == StateCompleted }

// Defaults used when a config omits a value.
const (
	DefaultBatchSize      = 500
	DefaultBatchThreshold = 10
	DefaultRetries        = 3
	DefaultRetryBase      = 10 * time.Second
	DefaultRetryMaxDelay  = 5 * time.Minute
	DefaultRetryJitter    = 0.2
	DefaultJobName        = "history-cleanup"
)

// Config controls scheduling of the managed job.
type Config struct {
	Window window.Config

	// BatchSize is the most items one run may process.
	BatchSize int
	// BatchThreshold is the minimum processed count that justifies an immediate
	// re-run while the window is still open.
	BatchThreshold int
	// DefaultRetries is the retry budget of a fresh or successful job.
	DefaultRetries int

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	// Recurring keeps the job scheduled for the next window once the backlog
	// drains. When false the job completes instead.
	Recurring bool
}

// DefaultConfig returns the full-day window with default batch and retry settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:      DefaultBatchSize,
		BatchThreshold: DefaultBatchThreshold,
		DefaultRetries: DefaultRetries,
		RetryBase:      DefaultRetryBase,
		RetryMaxDelay:  DefaultRetryMaxDelay,
		RetryJitter:    DefaultRetryJitter,
		Recurring:      true,
	}
}

// Validate returns a *ConfigError for the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return &ConfigError{Field: "batch_size", Reason: fmt.Sprintf("must be > 0, got %d", c.BatchSize)}
	case c.BatchThreshold < 0:
		return &ConfigError{Field: "batch_threshold", Reason: fmt.Sprintf("must be >= 0, got %d", c.BatchThreshold)}
	case c.BatchThreshold > c.BatchSize:
		return &ConfigError{Field: "batch_threshold", Reason: fmt.Sprintf("%d exceeds batch_size %d", c.BatchThreshold, c.BatchSize)}
	case c.DefaultRetries < 0:
		return &ConfigError{Field: "default_retries", Reason: fmt.Sprintf("must be >= 0, got %d", c.DefaultRetries)}
	case c.RetryBase < 0:
		return &ConfigError{Field: "retry_base", Reason: "must be >= 0"}
	case c.RetryMaxDelay < 0:
		return &ConfigError{Field: "retry_max_delay", Reason: "must be >= 0"}
	case c.RetryJitter < 0 || c.RetryJitter > 1:
		return &ConfigError{Field: "retry_jitter", Reason: fmt.Sprintf("must be within [0, 1], got %g", c.RetryJitter)}
	}
	return nil
}

// ParseWindow builds the window part of a Config from "HH:mm" strings and
// reports malformed values as *ConfigError.
func ParseWindow(start, end string) (window.Config, error) {
	s, err := window.ParseTimeOfDay(start)
	if err != nil {
		return window.Config{}, &ConfigError{Field: "batch_window.start_time", Reason: "malformed time of day", Err: err}
	}
	e, err := window.ParseTimeOfDay(end)
	if err != nil {
		return window.Config{}, &ConfigError{Field: "batch_window.end_time", Reason: "malformed time of day", Err: err}
	}
	return window.Config{Start: s, End: e}, nil
}

// Job is the managed job record. Values returned by the Service are copies.
type Job struct {
	Name             string
	ID               string
	State            State
	DueDate          time.Time
	RetriesRemaining int
	// Version increases on every persisted mutation.
	Version uint64
	Payload string

	ScheduledAt         time.Time
	LastRunAt           time.Time
	LastError           string
	LastItems           int
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsDue reports whether a pending job may start at now.
func (j Job) IsDue(now time.Time) bool {
	return j.State == StatePending && !now.Before(j.DueDate)
}

// StateAt resolves the derived DUE state.
func (j Job) StateAt(now time.Time) State {
	if j.IsDue(now) {
		return StateDue
	}
	return j.State
}

// RunResult is the outcome of one execution of the maintenance work.
type RunResult struct {
	ItemsProcessed int
	Succeeded      bool
	// Err explains a failure; it is ignored when Succeeded is true.
	Err error
}

type Action string

const (
	ActionRescheduleImmediate Action = "reschedule_immediate"
	ActionWaitForNextWindow   Action = "wait_for_next_window"
	ActionRetry               Action = "retry"
	ActionAbandon             Action = "abandon"
)

// Decision is what the progress controller or retry policy chose after a run.
type Decision struct {
	Action  Action
	DueDate time.Time
	// Delay is the backoff picked for ActionRetry before window clamping.
	Delay time.Duration
}
