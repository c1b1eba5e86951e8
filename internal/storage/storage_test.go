package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "cleanupd/pkg/logx"
)

func openDriver(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func sampleRecord(version uint64) JobRecord {
	at := time.Date(2026, 10, 14, 22, 0, 0, 0, time.UTC)
	return JobRecord{
		Name:             "history-cleanup",
		ID:               "8b0f7f5e-3c1e-4c59-a0f5-0d1d6f1c2b11",
		State:            "pending",
		DueDate:          at,
		RetriesRemaining: 3,
		Version:          version,
		Payload:          `{"table":"history"}`,
		ScheduledAt:      at.Add(-time.Hour),
		CreatedAt:        at.Add(-time.Hour),
		UpdatedAt:        at.Add(-time.Hour),
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Logger{})
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")
	assert.False(t, ValidDriver("postgres"))
	assert.True(t, ValidDriver("sqlite3"))
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openDriver(t, driver, filepath.Join(t.TempDir(), "cleanupd.db"))
			t.Cleanup(func() { _ = st.Close() })

			_, err := st.LoadJob(ctx, "history-cleanup")
			require.ErrorIs(t, err, ErrNotFound)

			rec := sampleRecord(1)
			require.NoError(t, st.SaveJob(ctx, rec, 0))
			require.ErrorIs(t, st.SaveJob(ctx, rec, 0), ErrVersionConflict, "second create must conflict")

			got, err := st.LoadJob(ctx, rec.Name)
			require.NoError(t, err)
			assert.Equal(t, rec.ID, got.ID)
			assert.Equal(t, uint64(1), got.Version)
			assert.True(t, rec.DueDate.Equal(got.DueDate))
			assert.True(t, got.LastRunAt.IsZero())
			assert.Equal(t, rec.Payload, got.Payload)

			next := rec
			next.Version = 2
			next.State = "running"
			next.LastRunAt = rec.DueDate
			require.NoError(t, st.SaveJob(ctx, next, 1))
			require.ErrorIs(t, st.SaveJob(ctx, next, 1), ErrVersionConflict, "stale expected version")

			got, err = st.LoadJob(ctx, rec.Name)
			require.NoError(t, err)
			assert.Equal(t, "running", got.State)
			assert.Equal(t, uint64(2), got.Version)
			assert.True(t, rec.DueDate.Equal(got.LastRunAt))

			for i := 1; i <= 3; i++ {
				require.NoError(t, st.AppendIncident(ctx, Incident{
					At:       rec.DueDate.Add(time.Duration(i) * time.Minute),
					JobName:  rec.Name,
					JobID:    rec.ID,
					Kind:     IncidentAbandoned,
					Attempts: i,
					Error:    "boom",
				}))
			}
			ins, err := st.Incidents(ctx, 2)
			require.NoError(t, err)
			require.Len(t, ins, 2)
			assert.Equal(t, 3, ins[0].Attempts)
			assert.Equal(t, 2, ins[1].Attempts)

			all, err := st.Incidents(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state", "cleanupd.db")

			st := openDriver(t, driver, path)
			require.NoError(t, st.SaveJob(ctx, sampleRecord(1), 0))
			second := sampleRecord(2)
			second.RetriesRemaining = 1
			second.LastError = "disk full"
			second.LastItems = 7
			require.NoError(t, st.SaveJob(ctx, second, 1))
			require.NoError(t, st.AppendIncident(ctx, Incident{At: time.Now(), JobName: "history-cleanup", Kind: IncidentAbandoned}))
			require.NoError(t, st.Close())

			st = openDriver(t, driver, path)
			t.Cleanup(func() { _ = st.Close() })
			got, err := st.LoadJob(ctx, "history-cleanup")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), got.Version)
			assert.Equal(t, 1, got.RetriesRemaining)
			assert.Equal(t, "disk full", got.LastError)
			assert.Equal(t, 7, got.LastItems)

			ins, err := st.Incidents(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, ins, 1)
		})
	}
}

func TestSQLiteUpgradesOlderSchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cleanupd.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE jobs (
	  name TEXT PRIMARY KEY, id TEXT NOT NULL, state TEXT NOT NULL, due_at TEXT,
	  retries_remaining INTEGER NOT NULL DEFAULT 0, version INTEGER NOT NULL, payload TEXT,
	  scheduled_at TEXT, last_run_at TEXT, last_error TEXT,
	  consecutive_failures INTEGER NOT NULL DEFAULT 0, created_at TEXT NOT NULL, updated_at TEXT NOT NULL)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	st := openDriver(t, "sqlite", path)
	t.Cleanup(func() { _ = st.Close() })
	rec := sampleRecord(1)
	rec.LastItems = 4
	require.NoError(t, st.SaveJob(ctx, rec, 0))
	got, err := st.LoadJob(ctx, rec.Name)
	require.NoError(t, err)
	assert.Equal(t, 4, got.LastItems)
}

func TestFileStoreCompaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cleanupd.json")
	st, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	fs := st.(*fileStore)
	fs.compactN = 3

	rec := sampleRecord(0)
	for v := uint64(1); v <= 7; v++ {
		rec.Version = v
		require.NoError(t, st.SaveJob(ctx, rec, v-1))
	}
	require.NoError(t, st.Close())

	st, err = openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.LoadJob(ctx, rec.Name)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Version)
	assert.FileExists(t, filepath.Join(filepath.Dir(path), "cleanupd.jobs.snapshot.json"))
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	require.NoError(t, st.Close())
	_, err := st.LoadJob(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
}
