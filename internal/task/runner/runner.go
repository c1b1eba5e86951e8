// Package runner fires the managed job at its due date and feeds run results
// back into the scheduler.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"cleanupd/internal/clock"
	"cleanupd/internal/maintenance"
	"cleanupd/internal/task/scheduler"
	logx "cleanupd/pkg/logx"
)

// Config controls execution.
type Config struct {
	Scheduler scheduler.Config
	// RunTimeout bounds one worker run; 0 disables the timeout.
	RunTimeout time.Duration
	// Location is the cron location (time.Local when nil).
	Location *time.Location
}

// Runner arms a one-shot cron entry at the job's due date. Every operation
// that can move the due date re-arms it.
type Runner struct {
	mu       sync.Mutex
	cfg      Config
	c        *cron.Cron
	entry    cron.EntryID
	armedFor time.Time
	ctx      context.Context
	cancel   context.CancelFunc

	sched  *scheduler.Service
	worker maintenance.Worker
	clock  clock.Clock
	log    logx.Logger

	// runMu allows one worker run at a time.
	runMu   sync.Mutex
	busyLog rate.Sometimes
}

func New(cfg Config, sched *scheduler.Service, worker maintenance.Worker, clk clock.Clock, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System{Location: cfg.Location}
	}
	return &Runner{
		cfg:     cfg,
		sched:   sched,
		worker:  worker,
		clock:   clk,
		log:     log,
		ctx:     context.Background(),
		busyLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Start begins triggering and schedules the job from the current config.
// An abandoned job is left alone until Rearm.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.c != nil {
		r.mu.Unlock()
		return nil
	}
	loc := r.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.c = cron.New(cron.WithLocation(loc))
	r.c.Start()
	r.mu.Unlock()

	job, err := r.Trigger(ctx)
	if err != nil && !errors.Is(err, scheduler.ErrAbandoned) {
		return err
	}
	r.log.Info("runner started",
		logx.String("tz", loc.String()),
		logx.String("state", string(job.State)),
		logx.Time("due", job.DueDate),
	)
	return nil
}

// Stop stops triggering and waits for an in-flight run (bounded by ctx).
func (r *Runner) Stop(ctx context.Context) {
	start := time.Now()
	r.mu.Lock()
	c := r.c
	cancel := r.cancel
	r.c = nil
	r.entry = 0
	r.armedFor = time.Time{}
	r.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}
	r.log.Info("runner stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the config and reschedules from now.
func (r *Runner) Apply(ctx context.Context, cfg Config) (scheduler.Job, error) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	return r.Trigger(ctx)
}

// Trigger re-runs Schedule at now with the current config and re-arms.
func (r *Runner) Trigger(ctx context.Context) (scheduler.Job, error) {
	defer r.arm()
	return r.sched.Schedule(ctx, r.config().Scheduler, r.clock.Now())
}

// Rearm revives an abandoned or completed job.
func (r *Runner) Rearm(ctx context.Context) (scheduler.Job, error) {
	defer r.arm()
	return r.sched.Rearm(ctx, r.clock.Now())
}

// ArmedFor reports when the cron entry fires next (zero when nothing is armed).
func (r *Runner) ArmedFor() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armedFor
}

func (r *Runner) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// RunOnce executes the job now if it is due. It returns scheduler.ErrNotDue
// (and friends) without running the worker otherwise.
func (r *Runner) RunOnce(ctx context.Context) (scheduler.Job, error) {
	if !r.runMu.TryLock() {
		r.busyLog.Do(func() { r.log.Warn("run still in flight; skipping trigger") })
		return r.sched.Job(), scheduler.ErrRunInFlight
	}
	defer r.runMu.Unlock()
	defer r.arm()

	job, err := r.sched.MarkRunning(ctx, r.clock.Now())
	if err != nil {
		return job, err
	}
	cfg := r.config()
	result := r.execute(ctx, cfg, job)
	// The outcome is recorded even when ctx was canceled mid-run.
	return r.sched.OnRunCompleted(context.WithoutCancel(ctx), result, r.clock.Now())
}

func (r *Runner) execute(ctx context.Context, cfg Config, job scheduler.Job) (res scheduler.RunResult) {
	runCtx := ctx
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}
	limit := cfg.Scheduler.BatchSize

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("worker panicked", logx.String("job_id", job.ID), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			res = scheduler.RunResult{Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	r.log.Debug("run started", logx.String("job_id", job.ID), logx.Int("limit", limit))
	n, err := r.worker.Run(runCtx, limit)
	if n > limit {
		r.log.Warn("worker exceeded batch size", logx.Int("processed", n), logx.Int("limit", limit))
	}
	return scheduler.RunResult{ItemsProcessed: n, Succeeded: err == nil, Err: err}
}

// fire is the cron callback.
func (r *Runner) fire() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()

	_, err := r.RunOnce(ctx)
	switch {
	case err == nil, errors.Is(err, scheduler.ErrRunInFlight):
	case errors.Is(err, scheduler.ErrAbandoned):
		// already logged and recorded by the scheduler
	case errors.Is(err, scheduler.ErrNotDue):
		r.log.Debug("trigger fired early; re-armed", logx.Err(err))
	default:
		r.log.Warn("triggered run failed", logx.Err(err))
	}
}

// arm replaces the cron entry with one for the current due date.
func (r *Runner) arm() {
	job := r.sched.Job()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return
	}
	if r.entry != 0 {
		r.c.Remove(r.entry)
		r.entry = 0
		r.armedFor = time.Time{}
	}
	if job.State != scheduler.StatePending {
		r.log.Debug("nothing to arm", logx.String("state", string(job.State)))
		return
	}
	r.entry = r.c.Schedule(newDueSchedule(job.DueDate), cron.FuncJob(r.fire))
	r.armedFor = job.DueDate
	r.log.Debug("trigger armed", logx.Time("at", job.DueDate), logx.Uint64("version", job.Version))
}
