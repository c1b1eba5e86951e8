package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanupd/internal/window"
)

var day = time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)

func at(d time.Time, hhmm string) time.Time { return window.MustParseTimeOfDay(hhmm).On(d) }

func batchConfig(t *testing.T, start, end string) Config {
	t.Helper()
	w, err := ParseWindow(start, end)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Window = w
	cfg.BatchSize = 20
	cfg.BatchThreshold = 10
	cfg.DefaultRetries = 5
	cfg.RetryBase = time.Minute
	cfg.RetryMaxDelay = 10 * time.Minute
	cfg.RetryJitter = 0
	return cfg
}

func TestDecideNextAction(t *testing.T) {
	t.Parallel()
	cfg := batchConfig(t, "22:00", "23:00")
	w := cfg.Window.AnchoredAt(day)
	nextDay := day.AddDate(0, 0, 1)

	tests := []struct {
		name   string
		result RunResult
		now    time.Time
		action Action
		due    time.Time
	}{
		{"full batch inside window", RunResult{ItemsProcessed: 20, Succeeded: true}, at(day, "22:30"), ActionRescheduleImmediate, at(day, "22:30")},
		{"exactly threshold", RunResult{ItemsProcessed: 10, Succeeded: true}, at(day, "22:30"), ActionRescheduleImmediate, at(day, "22:30")},
		{"below threshold", RunResult{ItemsProcessed: 5, Succeeded: true}, at(day, "22:30"), ActionWaitForNextWindow, at(nextDay, "22:00")},
		{"window closed during run", RunResult{ItemsProcessed: 20, Succeeded: true}, at(day, "23:00"), ActionWaitForNextWindow, at(nextDay, "22:00")},
		{"failed run never re-fires", RunResult{ItemsProcessed: 20, Err: errors.New("x")}, at(day, "22:30"), ActionWaitForNextWindow, at(nextDay, "22:00")},
		{"finished before window opened", RunResult{ItemsProcessed: 20, Succeeded: true}, at(day, "10:01"), ActionWaitForNextWindow, at(day, "22:00")},
		{"failed before window opened", RunResult{Err: errors.New("x")}, at(day, "21:59"), ActionWaitForNextWindow, at(day, "22:00")},
		{"finished after midnight", RunResult{ItemsProcessed: 20, Succeeded: true}, at(nextDay, "00:15"), ActionWaitForNextWindow, at(nextDay, "22:00")},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := cfg.DecideNextAction(tt.result, w, tt.now)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.due, d.DueDate)
		})
	}
}

func TestDecideNextActionFullDayWindow(t *testing.T) {
	t.Parallel()
	cfg := batchConfig(t, "00:00", "00:00")
	now := at(day, "15:00")
	w := window.CurrentOrNext(cfg.Window, now)

	d := cfg.DecideNextAction(RunResult{ItemsProcessed: 5, Succeeded: true}, w, now)
	assert.Equal(t, ActionWaitForNextWindow, d.Action)
	assert.Equal(t, at(day.AddDate(0, 0, 1), "00:00"), d.DueDate)

	d = cfg.DecideNextAction(RunResult{ItemsProcessed: 20, Succeeded: true}, w, now)
	assert.Equal(t, ActionRescheduleImmediate, d.Action)
	assert.Equal(t, now, d.DueDate)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	base := batchConfig(t, "22:00", "23:00")
	require.NoError(t, base.Validate())

	tests := []struct {
		field string
		mut   func(*Config)
	}{
		{"batch_size", func(c *Config) { c.BatchSize = 0 }},
		{"batch_threshold", func(c *Config) { c.BatchThreshold = 21 }},
		{"batch_threshold", func(c *Config) { c.BatchThreshold = -1 }},
		{"default_retries", func(c *Config) { c.DefaultRetries = -1 }},
		{"retry_base", func(c *Config) { c.RetryBase = -time.Second }},
		{"retry_jitter", func(c *Config) { c.RetryJitter = 1.5 }},
	}
	for _, tt := range tests {
		cfg := base
		tt.mut(&cfg)
		var ce *ConfigError
		require.ErrorAs(t, cfg.Validate(), &ce)
		assert.Equal(t, tt.field, ce.Field)
	}

	_, err := ParseWindow("22:00", "2300")
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "batch_window.end_time", ce.Field)
	assert.Contains(t, err.Error(), "2300")
}
