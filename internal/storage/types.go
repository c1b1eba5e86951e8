package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	// ErrNotFound is returned by LoadJob when no record exists for the name.
	ErrNotFound = errors.New("job not found")
	// ErrVersionConflict is returned by SaveJob when the stored version is not
	// the expected one.
	ErrVersionConflict = errors.New("job version conflict")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot + journal next to Path
//   - "sqlite": SQLite database at Path
//   - "memory": in-process only
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRecord is the persisted form of the managed job.
// Keep it compact and schema-stable.
type JobRecord struct {
	Name                string    `json:"name"`
	ID                  string    `json:"id"`
	State               string    `json:"state"`
	DueDate             time.Time `json:"due_date"`
	RetriesRemaining    int       `json:"retries_remaining"`
	Version             uint64    `json:"version"`
	Payload             string    `json:"payload,omitempty"`
	ScheduledAt         time.Time `json:"scheduled_at"`
	LastRunAt           time.Time `json:"last_run_at"`
	LastError           string    `json:"last_error,omitempty"`
	LastItems           int       `json:"last_items"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Incident records a permanent failure that needs an operator.
type Incident struct {
	At       time.Time `json:"at"`
	JobName  string    `json:"job_name"`
	JobID    string    `json:"job_id"`
	Kind     string    `json:"kind"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

const IncidentAbandoned = "abandoned"
