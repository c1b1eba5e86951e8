package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cleanupd/internal/eventbus"
	"cleanupd/internal/metrics"
	"cleanupd/internal/storage"
	"cleanupd/internal/window"
	logx "cleanupd/pkg/logx"
)

// Service owns the single managed job. All mutations are serialized by mu and
// persisted with a compare-and-swap on Job.Version before they become visible.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	job   Job
	store storage.Store
	bus   eventbus.Bus
	mx    *metrics.Metrics

	rand  func() float64
	newID func() string

	// lastNow is the instant used by the preceding Schedule or MarkRunning.
	lastNow time.Time
	skewLog rate.Sometimes
}

type Option func(*Service)

// WithName sets the key the job is persisted under (default "history-cleanup").
func WithName(name string) Option { return func(s *Service) { s.job.Name = name } }

// WithPayload sets the opaque payload stored with a newly created job.
func WithPayload(payload string) Option { return func(s *Service) { s.job.Payload = payload } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.mx = m } }

// WithRand replaces the jitter source (tests pin it).
func WithRand(fn func() float64) Option { return func(s *Service) { s.rand = fn } }

// WithIDFunc replaces the job ID generator (uuid by default).
func WithIDFunc(fn func() string) Option { return func(s *Service) { s.newID = fn } }

// New returns a scheduler with no job. store and bus may be nil.
func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		cfg:     cfg,
		store:   store,
		bus:     bus,
		job:     Job{Name: DefaultJobName, State: StateUnscheduled},
		newID:   uuid.NewString,
		skewLog: rate.Sometimes{First: 3, Interval: time.Minute},
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s.rand = rng.Float64
	for _, o := range opts {
		o(s)
	}
	return s
}

// Job returns a copy of the managed job.
func (s *Service) Job() Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// Config returns the config used by the last successful Schedule (or New).
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Restore loads the persisted job. A job persisted as RUNNING belonged to a
// process that died mid-run; it is charged as a failed run at now.
// A missing record leaves the scheduler UNSCHEDULED.
func (s *Service) Restore(ctx context.Context, now time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job.State != StateUnscheduled {
		return s.job, ErrRestored
	}
	if s.store == nil {
		return s.job, nil
	}
	rec, err := s.store.LoadJob(ctx, s.job.Name)
	if errors.Is(err, storage.ErrNotFound) {
		return s.job, nil
	}
	if err != nil {
		return s.job, fmt.Errorf("restore job %q: %w", s.job.Name, err)
	}
	s.job = fromRecord(rec)
	s.log.Info("job restored",
		logx.String("job_id", s.job.ID),
		logx.String("state", string(s.job.State)),
		logx.Time("due", s.job.DueDate),
		logx.Int("retries_remaining", s.job.RetriesRemaining),
	)

	if s.job.State == StateRunning {
		s.log.Warn("job was running at shutdown; counting run as failed", logx.String("job_id", s.job.ID))
		job, err := s.completeLocked(ctx, RunResult{Err: ErrInterrupted}, now)
		if err != nil && !errors.Is(err, ErrAbandoned) {
			return job, err
		}
		return job, nil
	}
	s.mx.SetDue(s.job.DueDate, s.job.RetriesRemaining)
	return s.job, nil
}

// Schedule creates the job, or recomputes its due date from cfg and now.
//
// The due date is window.ResolveDueDate(window.CurrentOrNext(cfg.Window, now), now).
// Calling it again before the job runs just recomputes. While a run is in
// flight the config is taken but the due date is left to OnRunCompleted. An
// abandoned job keeps its state and ErrAbandoned is returned.
func (s *Service) Schedule(ctx context.Context, cfg Config, now time.Time) (Job, error) {
	if err := cfg.Validate(); err != nil {
		return s.Job(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkSkewLocked("schedule", now)
	s.cfg = cfg

	switch s.job.State {
	case StateAbandoned:
		return s.job, ErrAbandoned
	case StateRunning:
		s.lastNow = now
		return s.job, nil
	}

	due := cfg.Window.DueDate(now)
	next := s.job
	if next.State == StateUnscheduled || next.State == StateCompleted {
		next = s.freshJobLocked(now)
	} else if next.State == StatePending && next.DueDate.Equal(due) {
		s.lastNow = now
		return s.job, nil
	}
	next.State = StatePending
	next.DueDate = due
	next.ScheduledAt = now

	if err := s.commitLocked(ctx, next, now); err != nil {
		return s.job, err
	}
	s.lastNow = now
	s.log.Info("job scheduled",
		logx.String("job_id", next.ID),
		logx.Time("due", due),
		logx.String("window", window.CurrentOrNext(cfg.Window, now).String()),
		logx.Bool("due_now", !due.After(now)),
	)
	eventbus.Publish(s.bus, eventbus.JobScheduled, now, s.eventLocked(""))
	return s.job, nil
}

// MarkRunning moves a due job to RUNNING.
func (s *Service) MarkRunning(ctx context.Context, now time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.job.State {
	case StateUnscheduled:
		return s.job, ErrNotScheduled
	case StateAbandoned:
		return s.job, ErrAbandoned
	case StateCompleted:
		return s.job, ErrCompleted
	case StateRunning:
		return s.job, ErrRunInFlight
	}
	s.checkSkewLocked("mark_running", now)
	if !s.job.IsDue(now) {
		return s.job, fmt.Errorf("%w: due %s", ErrNotDue, s.job.DueDate.Format(time.RFC3339))
	}

	next := s.job
	next.State = StateRunning
	next.LastRunAt = now
	if err := s.commitLocked(ctx, next, now); err != nil {
		return s.job, err
	}
	s.lastNow = now
	s.log.Debug("job run started", logx.String("job_id", next.ID), logx.Time("due", next.DueDate))
	eventbus.Publish(s.bus, eventbus.JobRunStarted, now, s.eventLocked(""))
	return s.job, nil
}

// OnRunCompleted applies a run's outcome and returns the updated job.
//
// Success resets the retry budget and lets the progress controller pick the
// next due date. Failure goes through the retry policy. When the job is
// abandoned the returned error wraps both ErrAbandoned and the run's cause.
func (s *Service) OnRunCompleted(ctx context.Context, result RunResult, now time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job.State != StateRunning {
		return s.job, ErrNotRunning
	}
	s.checkSkewLocked("run_completed", now)
	return s.completeLocked(ctx, result, now)
}

func (s *Service) completeLocked(ctx context.Context, result RunResult, now time.Time) (Job, error) {
	cfg := s.cfg
	took := now.Sub(s.job.LastRunAt)
	if took < 0 || s.job.LastRunAt.IsZero() {
		took = 0
	}
	w := window.CurrentOrNext(cfg.Window, now)

	next := s.job
	next.LastItems = result.ItemsProcessed

	if result.Succeeded {
		d := cfg.DecideNextAction(result, w, now)
		next.RetriesRemaining = cfg.DefaultRetries
		next.ConsecutiveFailures = 0
		next.LastError = ""
		if d.Action == ActionWaitForNextWindow && !cfg.Recurring && cfg.backlogDrained(result) {
			next.State = StateCompleted
			next.DueDate = time.Time{}
		} else {
			next.State = StatePending
			next.DueDate = d.DueDate
		}
		if err := s.commitLocked(ctx, next, now); err != nil {
			return s.job, err
		}
		s.mx.ObserveRun(metrics.OutcomeSucceeded, result.ItemsProcessed, took)
		s.log.Info("job run succeeded",
			logx.String("job_id", next.ID),
			logx.Int("items", result.ItemsProcessed),
			logx.String("action", string(d.Action)),
			logx.String("state", string(next.State)),
			logx.Time("due", next.DueDate),
			logx.Duration("took", took),
		)
		eventbus.Publish(s.bus, eventbus.JobRunCompleted, now, s.eventLocked(d.Action))
		return s.job, nil
	}

	cause := result.Err
	if cause == nil {
		cause = ErrRunFailed
	}
	failed, d := cfg.retryPolicy(s.rand).OnFailure(next, cause, cfg, now)
	failed.LastError = cause.Error()

	if d.Action == ActionRetry {
		failed.State = StatePending
		failed.DueDate = d.DueDate
		if err := s.commitLocked(ctx, failed, now); err != nil {
			return s.job, err
		}
		s.mx.ObserveRun(metrics.OutcomeFailed, result.ItemsProcessed, took)
		s.mx.IncRetry()
		s.log.Warn("job run failed; retry scheduled",
			logx.String("job_id", failed.ID),
			logx.Err(cause),
			logx.Int("retries_remaining", failed.RetriesRemaining),
			logx.Duration("backoff", d.Delay),
			logx.Time("due", failed.DueDate),
		)
		eventbus.Publish(s.bus, eventbus.JobRunCompleted, now, s.eventLocked(d.Action))
		eventbus.Publish(s.bus, eventbus.JobRetry, now, s.eventLocked(d.Action))
		return s.job, nil
	}

	failed.State = StateAbandoned
	failed.DueDate = time.Time{}
	if err := s.commitLocked(ctx, failed, now); err != nil {
		return s.job, err
	}
	s.mx.ObserveRun(metrics.OutcomeAbandoned, result.ItemsProcessed, took)
	s.mx.IncAbandoned()
	s.log.Error("job abandoned",
		logx.String("job_id", failed.ID),
		logx.Err(cause),
		logx.Int("attempts", failed.ConsecutiveFailures),
		logx.Bool("no_retry", IsNoRetry(cause)),
	)
	s.recordIncidentLocked(ctx, cause, now)
	eventbus.Publish(s.bus, eventbus.JobRunCompleted, now, s.eventLocked(d.Action))
	eventbus.Publish(s.bus, eventbus.JobAbandoned, now, s.eventLocked(d.Action))
	return s.job, fmt.Errorf("%w: %w", ErrAbandoned, cause)
}

// Rearm puts an abandoned or completed job back to PENDING with a fresh
// retry budget and a due date computed from now.
func (s *Service) Rearm(ctx context.Context, now time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.job.State {
	case StateUnscheduled:
		return s.job, ErrNotScheduled
	case StateAbandoned, StateCompleted:
	default:
		return s.job, ErrNotTerminal
	}
	s.checkSkewLocked("rearm", now)

	next := s.job
	next.State = StatePending
	next.RetriesRemaining = s.cfg.DefaultRetries
	next.ConsecutiveFailures = 0
	next.DueDate = s.cfg.Window.DueDate(now)
	next.ScheduledAt = now
	if err := s.commitLocked(ctx, next, now); err != nil {
		return s.job, err
	}
	s.lastNow = now
	s.log.Info("job rearmed", logx.String("job_id", next.ID), logx.Time("due", next.DueDate))
	eventbus.Publish(s.bus, eventbus.JobRearmed, now, s.eventLocked(""))
	return s.job, nil
}

func (s *Service) freshJobLocked(now time.Time) Job {
	return Job{
		Name:             s.job.Name,
		ID:               s.newID(),
		State:            StateUnscheduled,
		RetriesRemaining: s.cfg.DefaultRetries,
		Version:          s.job.Version,
		Payload:          s.job.Payload,
		CreatedAt:        now,
	}
}

// commitLocked persists next as version current+1 and only then makes it the
// in-memory job. A failed save leaves the scheduler unchanged.
func (s *Service) commitLocked(ctx context.Context, next Job, now time.Time) error {
	expected := s.job.Version
	next.Version = expected + 1
	next.UpdatedAt = now
	if s.store != nil {
		if err := s.store.SaveJob(ctx, next.record(), expected); err != nil {
			return fmt.Errorf("save job %q v%d: %w", next.Name, next.Version, err)
		}
	}
	s.job = next
	s.mx.SetDue(next.DueDate, next.RetriesRemaining)
	return nil
}

func (s *Service) recordIncidentLocked(ctx context.Context, cause error, now time.Time) {
	if s.store == nil {
		return
	}
	in := storage.Incident{
		At:       now,
		JobName:  s.job.Name,
		JobID:    s.job.ID,
		Kind:     storage.IncidentAbandoned,
		Attempts: s.job.ConsecutiveFailures,
		Error:    cause.Error(),
	}
	if err := s.store.AppendIncident(ctx, in); err != nil {
		s.log.Error("incident not recorded", logx.String("job_id", s.job.ID), logx.Err(err))
	}
}

// checkSkewLocked detects an instant earlier than the one used by the
// preceding operation. Decisions are always taken from now; the stale instant
// is discarded.
func (s *Service) checkSkewLocked(op string, now time.Time) {
	if s.lastNow.IsZero() || !now.Before(s.lastNow) {
		return
	}
	back := s.lastNow.Sub(now)
	s.mx.IncClockSkew()
	s.skewLog.Do(func() {
		s.log.Warn("clock moved backwards; recomputing from now",
			logx.String("op", op),
			logx.Time("previous", s.lastNow),
			logx.Time("now", now),
			logx.Duration("skew", back),
		)
	})
	eventbus.Publish(s.bus, eventbus.ClockSkew, now, ClockSkewEvent{Op: op, Previous: s.lastNow, Now: now, Skew: back})
	s.lastNow = now
}
