package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"cleanupd/internal/clock"
	"cleanupd/internal/storage"
	"cleanupd/internal/task/scheduler"
	logx "cleanupd/pkg/logx"
)

// far enough ahead that the real cron trigger never fires during a test
var day = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	dir     string
	cfgPath string
	history string
	clock   *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		cfgPath: filepath.Join(dir, "cleanupd.json"),
		history: filepath.Join(dir, "history.db"),
		clock:   clock.NewManual(day.Add(21 * time.Hour)),
	}
	f.writeConfig(t, "22:00", "23:00")
	return f
}

func (f *fixture) writeConfig(t *testing.T, start, end string) {
	t.Helper()
	doc := fmt.Sprintf(`{
  "clock": {"timezone": "UTC"},
  "cleanup": {
    "batch_window": {"start_time": %q, "end_time": %q},
    "batch_size": 2, "batch_threshold": 2, "default_retries": 2, "retry_jitter": 0
  },
  "history": {"path": %q, "create_if_missing": true},
  "storage": {"driver": "file", "path": %q}
}`, start, end, f.history, filepath.Join(f.dir, "state"))
	require.NoError(t, os.WriteFile(f.cfgPath, []byte(doc), 0o644))
}

func (f *fixture) newApp(t *testing.T) *App {
	t.Helper()
	a, err := New(f.cfgPath, WithClock(f.clock), WithLogger(logx.Nop()))
	require.NoError(t, err)
	return a
}

func (f *fixture) insertExpired(t *testing.T, n int) {
	t.Helper()
	db, err := sql.Open("sqlite", f.history)
	require.NoError(t, err)
	defer db.Close()
	for i := 0; i < n; i++ {
		_, err := db.Exec(`INSERT INTO history(payload, removal_time) VALUES('x', ?)`, day.Add(-time.Duration(i+1)*time.Hour).UnixMilli())
		require.NoError(t, err)
	}
}

func stop(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
}

func TestAppRunsBatchesAndRestores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := f.newApp(t)
	f.insertExpired(t, 3)
	require.NoError(t, a.Start(ctx))

	snap := a.Snapshot()
	assert.Equal(t, scheduler.StatePending, snap.State)
	assert.Equal(t, day.Add(22*time.Hour), snap.DueDate)
	assert.Equal(t, "22:00-23:00", snap.Window)

	_, err := a.RunOnce(ctx)
	require.ErrorIs(t, err, scheduler.ErrNotDue)

	f.clock.Set(day.Add(22 * time.Hour))
	job, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, job.LastItems)
	assert.Equal(t, day.Add(22*time.Hour), job.DueDate, "full batch runs again right away")

	job, err = a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, job.LastItems)
	nextWindow := day.AddDate(0, 0, 1).Add(22 * time.Hour)
	assert.Equal(t, nextWindow, job.DueDate)
	id := job.ID
	stop(t, a)

	f.clock.Set(day.Add(23*time.Hour + 30*time.Minute))
	b := f.newApp(t)
	require.NoError(t, b.Start(ctx))
	defer stop(t, b)
	restored := b.Snapshot()
	assert.Equal(t, id, restored.ID, "job identity survives restart")
	assert.Equal(t, nextWindow, restored.DueDate)
	assert.Equal(t, 1, restored.LastItems)
}

func TestAppApplyConfigReschedules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	a := f.newApp(t)
	require.NoError(t, a.Start(ctx))
	defer stop(t, a)

	prev := a.cfgm.Get()
	f.writeConfig(t, "20:00", "21:30")
	next, err := a.cfgm.Parse()
	require.NoError(t, err)

	a.applyConfig(ctx, prev, next)
	snap := a.Snapshot()
	assert.Equal(t, "20:00-21:30", snap.Window)
	assert.Equal(t, day.Add(21*time.Hour), snap.DueDate, "now is inside the new window")
}

func TestAppAbandonRecordsIncident(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	a := f.newApp(t)
	require.NoError(t, a.Start(ctx))
	defer stop(t, a)

	// break the collaborator: the cleaner treats a missing table as permanent
	db, err := sql.Open("sqlite", f.history)
	require.NoError(t, err)
	_, err = db.Exec(`DROP TABLE history`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	f.clock.Set(day.Add(22 * time.Hour))
	_, err = a.RunOnce(ctx)
	require.ErrorIs(t, err, scheduler.ErrAbandoned)

	list, err := a.Incidents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, storage.IncidentAbandoned, list[0].Kind)

	_, err = a.Trigger(ctx)
	require.ErrorIs(t, err, scheduler.ErrAbandoned)
	job, err := a.Rearm(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatePending, job.State)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cfgPath, []byte(`{"cleanup":{"batch_size":0}}`), 0o644))
	_, err := New(f.cfgPath, WithLogger(logx.Nop()))
	var ce *scheduler.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "cleanup.batch_size", ce.Field)
}
