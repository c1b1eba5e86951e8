package config

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"cleanupd/internal/clock"
	"cleanupd/internal/maintenance"
	"cleanupd/internal/storage"
	"cleanupd/internal/task/runner"
	"cleanupd/internal/task/scheduler"
	logx "cleanupd/pkg/logx"
)

const (
	DefaultAdminAddr   = "127.0.0.1:9464"
	DefaultHistoryPath = "./history.db"
)

// Settings is a validated Config converted into the components' own types.
type Settings struct {
	Logging  logx.Config
	Location *time.Location
	Runner   runner.Config
	History  maintenance.HistoryConfig
	Storage  storage.Config
	Admin    AdminConfig
}

// Scheduler is shorthand for s.Runner.Scheduler.
func (s Settings) Scheduler() scheduler.Config { return s.Runner.Scheduler }

// Resolve applies defaults and validates. Every rejection is a
// *scheduler.ConfigError naming the offending key.
func (c *Config) Resolve() (Settings, error) {
	if c == nil {
		c = &Config{}
	}
	var out Settings

	if !logx.ValidLevel(c.Logging.Level) {
		return out, invalid("logging.level", "unknown level "+c.Logging.Level, nil)
	}
	out.Logging = logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}

	loc, err := clock.LoadLocation(c.Clock.Timezone)
	if err != nil {
		return out, invalid("clock.timezone", "unknown timezone", err)
	}
	out.Location = loc

	sc, runTimeout, err := c.Cleanup.resolve()
	if err != nil {
		return out, err
	}
	out.Runner = runner.Config{Scheduler: sc, RunTimeout: runTimeout, Location: loc}

	if out.History, err = c.History.resolve(); err != nil {
		return out, err
	}
	if out.Storage, err = resolveStorage(c.Storage); err != nil {
		return out, err
	}
	if out.Admin, err = c.Admin.resolve(); err != nil {
		return out, err
	}
	return out, nil
}

func (c CleanupConfig) resolve() (scheduler.Config, time.Duration, error) {
	start := strings.TrimSpace(c.BatchWindow.StartTime)
	if start == "" {
		start = "00:00"
	}
	end := strings.TrimSpace(c.BatchWindow.EndTime)
	if end == "" {
		end = "00:00"
	}
	w, err := scheduler.ParseWindow(start, end)
	if err != nil {
		return scheduler.Config{}, 0, prefixed("cleanup.", err)
	}

	sc := scheduler.DefaultConfig()
	sc.Window = w
	if c.BatchSize != nil {
		sc.BatchSize = *c.BatchSize
	}
	if c.BatchThreshold != nil {
		sc.BatchThreshold = *c.BatchThreshold
	}
	if c.DefaultRetries != nil {
		sc.DefaultRetries = *c.DefaultRetries
	}
	if c.RetryJitter != nil {
		sc.RetryJitter = *c.RetryJitter
	}
	if c.Recurring != nil {
		sc.Recurring = *c.Recurring
	}
	if sc.RetryBase, err = durationField("cleanup.retry_base", c.RetryBase, scheduler.DefaultRetryBase); err != nil {
		return sc, 0, err
	}
	if sc.RetryMaxDelay, err = durationField("cleanup.retry_max_delay", c.RetryMaxDelay, scheduler.DefaultRetryMaxDelay); err != nil {
		return sc, 0, err
	}
	runTimeout, err := durationField("cleanup.run_timeout", c.RunTimeout, 0)
	if err != nil {
		return sc, 0, err
	}
	if err := sc.Validate(); err != nil {
		return sc, 0, prefixed("cleanup.", err)
	}
	return sc, runTimeout, nil
}

func (h HistoryConfig) resolve() (maintenance.HistoryConfig, error) {
	out := maintenance.HistoryConfig{
		Path:            strings.TrimSpace(h.Path),
		Table:           strings.TrimSpace(h.Table),
		ExpiryColumn:    strings.TrimSpace(h.ExpiryColumn),
		CreateIfMissing: h.CreateIfMissing,
	}
	if out.Path == "" {
		out.Path = DefaultHistoryPath
	}
	var err error
	out.BusyTimeout, err = durationField("history.busy_timeout", h.BusyTimeout, 0)
	return out, err
}

func resolveStorage(s *StorageConfig) (storage.Config, error) {
	if s == nil {
		return storage.Config{}, nil
	}
	if !storage.ValidDriver(s.Driver) {
		return storage.Config{}, invalid("storage.driver", "unknown driver "+s.Driver, nil)
	}
	d, err := durationField("storage.busy_timeout", s.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: s.Driver, Path: strings.TrimSpace(s.Path), BusyTimeout: d}, nil
}

func (a AdminConfig) resolve() (AdminConfig, error) {
	a.Addr = strings.TrimSpace(a.Addr)
	if a.Addr == "" {
		a.Addr = DefaultAdminAddr
	}
	if !a.Enabled {
		return a, nil
	}
	host, _, err := net.SplitHostPort(a.Addr)
	if err != nil {
		return a, invalid("admin.addr", "expected host:port", err)
	}
	if !a.AllowInsecure && !isLoopback(host) {
		return a, invalid("admin.addr", "non-loopback address requires allow_insecure", nil)
	}
	return a, nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// durationField parses a Go duration string. Empty or "0" yields def.
func durationField(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, invalid(path, "invalid duration "+strconv.Quote(raw), err)
	case d < 0:
		return 0, invalid(path, "must not be negative", nil)
	case d == 0:
		return def, nil
	}
	return d, nil
}

func invalid(field, reason string, err error) error {
	return &scheduler.ConfigError{Field: field, Reason: reason, Err: err}
}

// prefixed qualifies a scheduler field name with its config section.
func prefixed(section string, err error) error {
	var ce *scheduler.ConfigError
	if errors.As(err, &ce) {
		cp := *ce
		cp.Field = section + cp.Field
		return &cp
	}
	return err
}
