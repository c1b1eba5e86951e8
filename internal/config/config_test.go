package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanupd/internal/task/scheduler"
	"cleanupd/internal/window"
)

const sampleYAML = `
logging: { level: debug, console: true }
clock: { timezone: "Europe/Berlin" }
cleanup:
  batch_window: { start_time: "22:00", end_time: "23:00" }
  batch_size: 20
  batch_threshold: 0
  default_retries: 5
  retry_base: 30s
  run_timeout: 2m
  recurring: false
history: { path: /var/lib/app/history.db, create_if_missing: true }
storage: { driver: sqlite, path: ./state.db, busy_timeout: 1s }
admin: { enabled: true, addr: "127.0.0.1:9000" }
`

func TestDecodeYAMLAndResolve(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("cleanupd.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	s, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", s.Location.String())
	assert.Equal(t, "debug", s.Logging.Level)

	sc := s.Scheduler()
	assert.Equal(t, window.MustParseTimeOfDay("22:00"), sc.Window.Start)
	assert.Equal(t, window.MustParseTimeOfDay("23:00"), sc.Window.End)
	assert.Equal(t, 20, sc.BatchSize)
	assert.Equal(t, 0, sc.BatchThreshold, "explicit zero threshold is kept")
	assert.Equal(t, 5, sc.DefaultRetries)
	assert.Equal(t, 30*time.Second, sc.RetryBase)
	assert.Equal(t, scheduler.DefaultRetryMaxDelay, sc.RetryMaxDelay)
	assert.Equal(t, scheduler.DefaultRetryJitter, sc.RetryJitter)
	assert.False(t, sc.Recurring)
	assert.Equal(t, 2*time.Minute, s.Runner.RunTimeout)
	assert.Equal(t, s.Location, s.Runner.Location)

	assert.Equal(t, "/var/lib/app/history.db", s.History.Path)
	assert.True(t, s.History.CreateIfMissing)
	assert.Equal(t, "sqlite", s.Storage.Driver)
	assert.Equal(t, time.Second, s.Storage.BusyTimeout)
	assert.Equal(t, "127.0.0.1:9000", s.Admin.Addr)
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("cleanupd.json", []byte(`{}`))
	require.NoError(t, err)
	s, err := cfg.Resolve()
	require.NoError(t, err)

	sc := s.Scheduler()
	assert.True(t, sc.Window.FullDay())
	assert.Equal(t, scheduler.DefaultBatchSize, sc.BatchSize)
	assert.Equal(t, scheduler.DefaultBatchThreshold, sc.BatchThreshold)
	assert.Equal(t, scheduler.DefaultRetries, sc.DefaultRetries)
	assert.True(t, sc.Recurring)
	assert.Zero(t, s.Runner.RunTimeout)
	assert.Equal(t, DefaultHistoryPath, s.History.Path)
	assert.Empty(t, s.Storage.Driver, "omitted storage keeps state in memory")
	assert.Equal(t, DefaultAdminAddr, s.Admin.Addr)
	assert.False(t, s.Admin.Enabled)
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"cleanup": {"batch_sz": 1}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_sz")

	_, err = Decode("c.yaml", []byte("cleanup:\n  window: {}\n"))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{} {}`))
	require.ErrorContains(t, err, "trailing data")

	cfg, err := Decode("c.yml", []byte(""))
	require.NoError(t, err, "empty yaml is an empty config")
	assert.Nil(t, cfg.Storage)
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"malformed start", `{"cleanup":{"batch_window":{"start_time":"25:00"}}}`, "cleanup.batch_window.start_time"},
		{"malformed end", `{"cleanup":{"batch_window":{"end_time":"7pm"}}}`, "cleanup.batch_window.end_time"},
		{"signed start", `{"cleanup":{"batch_window":{"start_time":"+1:00"}}}`, "cleanup.batch_window.start_time"},
		{"padded end", `{"cleanup":{"batch_window":{"end_time":"0007:05"}}}`, "cleanup.batch_window.end_time"},
		{"zero batch size", `{"cleanup":{"batch_size":0}}`, "cleanup.batch_size"},
		{"threshold above size", `{"cleanup":{"batch_size":5,"batch_threshold":6}}`, "cleanup.batch_threshold"},
		{"negative retries", `{"cleanup":{"default_retries":-1}}`, "cleanup.default_retries"},
		{"jitter", `{"cleanup":{"retry_jitter":1.5}}`, "cleanup.retry_jitter"},
		{"duration", `{"cleanup":{"retry_base":"soon"}}`, "cleanup.retry_base"},
		{"negative duration", `{"cleanup":{"run_timeout":"-1s"}}`, "cleanup.run_timeout"},
		{"timezone", `{"clock":{"timezone":"Mars/Olympus"}}`, "clock.timezone"},
		{"level", `{"logging":{"level":"loud"}}`, "logging.level"},
		{"driver", `{"storage":{"driver":"postgres"}}`, "storage.driver"},
		{"admin exposed", `{"admin":{"enabled":true,"addr":"0.0.0.0:9464"}}`, "admin.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode("c.json", []byte(tt.doc))
			require.NoError(t, err)
			_, err = cfg.Resolve()
			var ce *scheduler.ConfigError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestAdminInsecureOptIn(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.json", []byte(`{"admin":{"enabled":true,"addr":"0.0.0.0:9464","allow_insecure":true}}`))
	require.NoError(t, err)
	_, err = cfg.Resolve()
	require.NoError(t, err)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, changed)

	newCfg.Cleanup.BatchWindow.StartTime = "21:00"
	newCfg.Storage = nil
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"cleanup", "storage"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"storage"}, NeedsRestart(changed))
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cleanupd.yaml")
	writeFile(t, path, sampleYAML)

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, published, "unchanged content is not republished")

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		_, err := cfg.Resolve()
		return err
	})
	writeFile(t, path, "cleanup: { batch_size: 0 }\n")
	_, err = m.Reload(ctx)
	require.ErrorContains(t, err, "config rejected")
	assert.Equal(t, 20, *m.Get().Cleanup.BatchSize, "rejected config is not committed")

	writeFile(t, path, "cleanup: { batch_size: 50 }\n")
	published, err = m.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, published)
	got := <-sub
	assert.Equal(t, 50, *got.Cleanup.BatchSize)
	assert.Same(t, got, m.Get())
}

func TestManagerSubscriberKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-sub)

	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "cleanupd.json")
	writeFile(t, path, `{"cleanup":{"batch_size":10}}`)

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	// rewrite until the watcher is up; slower than the debounce
	for {
		select {
		case got := <-sub:
			assert.Equal(t, 11, *got.Cleanup.BatchSize)
			return
		case <-tick.C:
			writeFile(t, path, `{"cleanup":{"batch_size":11}}`)
		case <-deadline:
			t.Fatal("reload was not published")
		}
	}
}

func TestDefaultPathEnv(t *testing.T) {
	t.Setenv("CLEANUPD_CONFIG", "/etc/cleanupd/cleanupd.yaml")
	assert.Equal(t, "/etc/cleanupd/cleanupd.yaml", DefaultPath())
	t.Setenv("CLEANUPD_CONFIG", "")
	assert.Equal(t, "cleanupd.yaml", DefaultPath())
}

func TestYAMLAnchorsAndEmptyDocument(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yml", []byte(`
cleanup:
  batch_window: &w { start_time: "01:30", end_time: "01:30" }
  batch_size: 7
`))
	require.NoError(t, err)
	assert.Equal(t, "01:30", cfg.Cleanup.BatchWindow.StartTime)
	require.NotNil(t, cfg.Cleanup.BatchSize)
	assert.Equal(t, 7, *cfg.Cleanup.BatchSize)

	empty, err := Decode("c.yaml", nil)
	require.NoError(t, err)
	s, err := empty.Resolve()
	require.NoError(t, err)
	assert.True(t, s.Scheduler().Window.FullDay())
}
