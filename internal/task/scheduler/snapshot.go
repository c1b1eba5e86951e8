package scheduler

import (
	"time"

	"cleanupd/internal/storage"
	"cleanupd/internal/window"
)

// JobEvent is the Data of job.* events.
type JobEvent struct {
	JobID            string    `json:"job_id"`
	State            State     `json:"state"`
	Action           Action    `json:"action,omitempty"`
	DueDate          time.Time `json:"due_date"`
	RetriesRemaining int       `json:"retries_remaining"`
	Items            int       `json:"items"`
	Error            string    `json:"error,omitempty"`
	Version          uint64    `json:"version"`
}

// ClockSkewEvent is the Data of clock.skew events.
type ClockSkewEvent struct {
	Op       string        `json:"op"`
	Previous time.Time     `json:"previous"`
	Now      time.Time     `json:"now"`
	Skew     time.Duration `json:"skew"`
}

func (s *Service) eventLocked(action Action) JobEvent {
	return JobEvent{
		JobID:            s.job.ID,
		State:            s.job.State,
		Action:           action,
		DueDate:          s.job.DueDate,
		RetriesRemaining: s.job.RetriesRemaining,
		Items:            s.job.LastItems,
		Error:            s.job.LastError,
		Version:          s.job.Version,
	}
}

// Snapshot is a point-in-time view for operators.
type Snapshot struct {
	Name                string    `json:"name"`
	ID                  string    `json:"id,omitempty"`
	State               State     `json:"state"`
	DueDate             time.Time `json:"due_date,omitempty"`
	DueIn               string    `json:"due_in,omitempty"`
	RetriesRemaining    int       `json:"retries_remaining"`
	Version             uint64    `json:"version"`
	LastRunAt           time.Time `json:"last_run_at,omitempty"`
	LastItems           int       `json:"last_items"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`

	Window         string `json:"window"`
	CurrentWindow  string `json:"current_window"`
	InWindow       bool   `json:"in_window"`
	BatchSize      int    `json:"batch_size"`
	BatchThreshold int    `json:"batch_threshold"`
	DefaultRetries int    `json:"default_retries"`
	Recurring      bool   `json:"recurring"`
}

func (s *Service) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	job := s.job
	cfg := s.cfg
	s.mu.Unlock()

	w := window.CurrentOrNext(cfg.Window, now)
	snap := Snapshot{
		Name:                job.Name,
		ID:                  job.ID,
		State:               job.StateAt(now),
		DueDate:             job.DueDate,
		RetriesRemaining:    job.RetriesRemaining,
		Version:             job.Version,
		LastRunAt:           job.LastRunAt,
		LastItems:           job.LastItems,
		LastError:           job.LastError,
		ConsecutiveFailures: job.ConsecutiveFailures,
		Window:              cfg.Window.String(),
		CurrentWindow:       w.String(),
		InWindow:            w.Contains(now),
		BatchSize:           cfg.BatchSize,
		BatchThreshold:      cfg.BatchThreshold,
		DefaultRetries:      cfg.DefaultRetries,
		Recurring:           cfg.Recurring,
	}
	if job.State == StatePending && job.DueDate.After(now) {
		snap.DueIn = job.DueDate.Sub(now).Round(time.Second).String()
	}
	return snap
}

func (j Job) record() storage.JobRecord {
	return storage.JobRecord{
		Name:                j.Name,
		ID:                  j.ID,
		State:               string(j.State),
		DueDate:             j.DueDate,
		RetriesRemaining:    j.RetriesRemaining,
		Version:             j.Version,
		Payload:             j.Payload,
		ScheduledAt:         j.ScheduledAt,
		LastRunAt:           j.LastRunAt,
		LastError:           j.LastError,
		LastItems:           j.LastItems,
		ConsecutiveFailures: j.ConsecutiveFailures,
		CreatedAt:           j.CreatedAt,
		UpdatedAt:           j.UpdatedAt,
	}
}

func fromRecord(r storage.JobRecord) Job {
	return Job{
		Name:                r.Name,
		ID:                  r.ID,
		State:               State(r.State),
		DueDate:             r.DueDate,
		RetriesRemaining:    r.RetriesRemaining,
		Version:             r.Version,
		Payload:             r.Payload,
		ScheduledAt:         r.ScheduledAt,
		LastRunAt:           r.LastRunAt,
		LastError:           r.LastError,
		LastItems:           r.LastItems,
		ConsecutiveFailures: r.ConsecutiveFailures,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}
