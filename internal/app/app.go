// Package app wires the daemon together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"cleanupd/internal/clock"
	"cleanupd/internal/config"
	"cleanupd/internal/eventbus"
	"cleanupd/internal/maintenance"
	"cleanupd/internal/metrics"
	"cleanupd/internal/observability/admin"
	rtsup "cleanupd/internal/runtime/supervisor"
	"cleanupd/internal/storage"
	"cleanupd/internal/task/runner"
	"cleanupd/internal/task/scheduler"
	logx "cleanupd/pkg/logx"
)

type App struct {
	cfgm     *config.Manager
	settings config.Settings

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry
	clock clock.Clock

	history *maintenance.HistoryCleaner
	worker  maintenance.Worker
	sched   *scheduler.Service
	run     *runner.Runner
	admin   *admin.Service

	sup *rtsup.Supervisor
}

type Option func(*App)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option { return func(a *App) { a.clock = c } }

// WithWorker replaces the sqlite history cleaner.
func WithWorker(w maintenance.Worker) Option { return func(a *App) { a.worker = w } }

// WithLogger skips the logging service and logs to log instead.
func WithLogger(log logx.Logger) Option { return func(a *App) { a.log = log } }

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	settings, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, settings: settings}
	for _, o := range opts {
		o(a)
	}
	if a.log.IsZero() {
		a.logs, a.log = logx.New(settings.Logging)
	}
	log := a.log
	a.log = log.With(logx.String("comp", "app"))
	if a.clock == nil {
		a.clock = clock.System{Location: settings.Location}
	}

	a.bus = eventbus.New()
	a.store, err = storage.Open(settings.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if a.store != nil {
		a.log.Info("storage enabled", logx.String("driver", settings.Storage.Driver))
	}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mx := metrics.MustNewMetrics(a.reg)

	if a.worker == nil {
		h, err := maintenance.OpenHistory(context.Background(), settings.History, a.clock, log)
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("open history %s: %w", settings.History.Path, err)
		}
		a.history, a.worker = h, h
	}

	a.sched = scheduler.New(settings.Scheduler(), a.store, a.bus, log.With(logx.String("comp", "scheduler")),
		scheduler.WithMetrics(mx),
		scheduler.WithPayload(settings.History.Table),
	)
	a.run = runner.New(settings.Runner, a.sched, a.worker, a.clock, log.With(logx.String("comp", "runner")))

	if settings.Admin.Enabled {
		a.admin = admin.New(admin.Config{Addr: settings.Admin.Addr}, a, a.reg, log.With(logx.String("comp", "admin")))
	}
	return a, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Admin returns the admin server, nil when disabled.
func (a *App) Admin() *admin.Service { return a.admin }

// Start restores persisted state, schedules the job and starts the
// background loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := cfg.Resolve()
		return err
	})

	if _, err := a.sched.Restore(ctx, a.clock.Now()); err != nil {
		return err
	}
	if err := a.run.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.admin != nil {
		a.admin.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		a.logEvents(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", rtsup.Restart{MinBackoff: time.Second, MaxBackoff: 30 * time.Second}, a.cfgm.Watch)

	job := a.sched.Job()
	a.log.Info("app started",
		logx.String("job_id", job.ID),
		logx.String("state", string(job.State)),
		logx.Time("due", job.DueDate),
		logx.String("window", a.settings.Scheduler().Window.String()),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce a burst into the newest config
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, lastApplied, cfg)
			lastApplied = cfg
		}
	}
}

// applyConfig applies logging and cleanup settings live. Other sections
// are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	settings, err := next.Resolve()
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	if a.logs != nil {
		a.logs.Apply(settings.Logging)
	}
	rc := settings.Runner
	rc.Location = a.settings.Runner.Location
	job, err := a.run.Apply(ctx, rc)
	switch {
	case errors.Is(err, scheduler.ErrAbandoned):
		a.log.Warn("config applied to abandoned job; rearm to resume", logx.String("job_id", job.ID))
	case err != nil:
		a.log.Error("rescheduling with new config failed", logx.Err(err))
		return
	}
	a.settings.Logging = settings.Logging
	a.settings.Runner = rc

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ",")), logx.Time("due", job.DueDate)}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Snapshot, Trigger, Rearm and Incidents back the admin endpoints.

func (a *App) Snapshot() scheduler.Snapshot { return a.sched.Snapshot(a.clock.Now()) }

func (a *App) Trigger(ctx context.Context) (scheduler.Job, error) { return a.run.Trigger(ctx) }

func (a *App) Rearm(ctx context.Context) (scheduler.Job, error) { return a.run.Rearm(ctx) }

func (a *App) Incidents(ctx context.Context, limit int) ([]storage.Incident, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.Incidents(ctx, limit)
}

// RunOnce runs the job now if it is due, bypassing the trigger.
func (a *App) RunOnce(ctx context.Context) (scheduler.Job, error) { return a.run.RunOnce(ctx) }

// Stop shuts everything down in dependency order. Each step is bounded by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	var errs []error

	step := func(name string, fn func(context.Context) error) {
		start := time.Now()
		if err := fn(ctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("runner", func(c context.Context) error { a.run.Stop(c); return nil })
	if a.admin != nil {
		step("admin", func(c context.Context) error { a.admin.Stop(c); return nil })
	}
	if a.sup != nil {
		step("supervisor", func(c context.Context) error {
			err := a.sup.Stop(c)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if a.history != nil {
		step("history", func(context.Context) error { return a.history.Close() })
	}
	step("storage", func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
