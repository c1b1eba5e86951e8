package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "cleanupd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	return s.addColumn(ctx, "jobs", "last_items", "INTEGER NOT NULL DEFAULT 0")
}

// addColumn brings databases created before a column existed up to date.
func (s *sqliteStore) addColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadJob(ctx context.Context, name string) (JobRecord, error) {
	if s == nil || s.db == nil {
		return JobRecord{}, ErrDisabled
	}
	var (
		rec                               JobRecord
		due, sched, lastRun, created, upd sql.NullString
		payload, lastErr                  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, id, state, due_at, retries_remaining, version, payload, scheduled_at, last_run_at,
		        last_error, last_items, consecutive_failures, created_at, updated_at
		   FROM jobs WHERE name = ?`, name,
	).Scan(&rec.Name, &rec.ID, &rec.State, &due, &rec.RetriesRemaining, &rec.Version, &payload, &sched, &lastRun,
		&lastErr, &rec.LastItems, &rec.ConsecutiveFailures, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, err
	}
	rec.Payload = payload.String
	rec.LastError = lastErr.String
	for _, p := range []struct {
		dst *time.Time
		src sql.NullString
	}{
		{&rec.DueDate, due}, {&rec.ScheduledAt, sched}, {&rec.LastRunAt, lastRun},
		{&rec.CreatedAt, created}, {&rec.UpdatedAt, upd},
	} {
		if *p.dst, err = parseTime(p.src); err != nil {
			return JobRecord{}, fmt.Errorf("job %q: %w", name, err)
		}
	}
	return rec, nil
}

func (s *sqliteStore) SaveJob(ctx context.Context, rec JobRecord, expected uint64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO jobs(name, id, state, due_at, retries_remaining, version, payload, scheduled_at, last_run_at,
			                  last_error, last_items, consecutive_failures, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(name) DO NOTHING`,
			rec.Name, rec.ID, rec.State, fmtTime(rec.DueDate), rec.RetriesRemaining, rec.Version, nullStr(rec.Payload),
			fmtTime(rec.ScheduledAt), fmtTime(rec.LastRunAt), nullStr(rec.LastError), rec.LastItems, rec.ConsecutiveFailures,
			fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET id=?, state=?, due_at=?, retries_remaining=?, version=?, payload=?, scheduled_at=?,
			                 last_run_at=?, last_error=?, last_items=?, consecutive_failures=?, created_at=?, updated_at=?
			  WHERE name=? AND version=?`,
			rec.ID, rec.State, fmtTime(rec.DueDate), rec.RetriesRemaining, rec.Version, nullStr(rec.Payload),
			fmtTime(rec.ScheduledAt), fmtTime(rec.LastRunAt), nullStr(rec.LastError), rec.LastItems, rec.ConsecutiveFailures,
			fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt), rec.Name, expected,
		)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *sqliteStore) AppendIncident(ctx context.Context, in Incident) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if in.At.IsZero() {
		in.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents(at, job_name, job_id, kind, attempts, err) VALUES(?,?,?,?,?,?)`,
		in.At.Format(time.RFC3339Nano), in.JobName, in.JobID, in.Kind, in.Attempts, nullStr(in.Error),
	)
	return err
}

func (s *sqliteStore) Incidents(ctx context.Context, limit int) ([]Incident, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, job_name, job_id, kind, attempts, err FROM incidents ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var (
			in      Incident
			at      string
			errText sql.NullString
		)
		if err := rows.Scan(&at, &in.JobName, &in.JobID, &in.Kind, &in.Attempts, &errText); err != nil {
			return nil, err
		}
		if in.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		in.Error = errText.String
		out = append(out, in)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v.String)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
