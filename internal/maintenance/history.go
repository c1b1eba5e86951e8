package maintenance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"cleanupd/internal/clock"
	"cleanupd/internal/task/scheduler"
	logx "cleanupd/pkg/logx"

	_ "modernc.org/sqlite"
)

// HistoryConfig points the cleaner at a history table.
//
// Rows whose ExpiryColumn (unix milliseconds) is at or before now are
// removed, oldest first. Rows with NULL expiry are kept forever.
type HistoryConfig struct {
	Path            string
	Table           string // default "history"
	ExpiryColumn    string // default "removal_time"
	BusyTimeout     time.Duration
	CreateIfMissing bool
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// HistoryCleaner deletes expired history rows in bounded batches.
type HistoryCleaner struct {
	db    *sql.DB
	owned bool
	clock clock.Clock
	log   logx.Logger

	table  string
	column string
}

// OpenHistory opens the SQLite database at cfg.Path and returns a cleaner for it.
func OpenHistory(ctx context.Context, cfg HistoryConfig, clk clock.Clock, log logx.Logger) (*HistoryCleaner, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	h, err := NewHistoryCleaner(ctx, db, cfg, clk, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	h.owned = true
	return h, nil
}

// NewHistoryCleaner wraps an existing database handle. The caller keeps
// ownership of db.
func NewHistoryCleaner(ctx context.Context, db *sql.DB, cfg HistoryConfig, clk clock.Clock, log logx.Logger) (*HistoryCleaner, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = "history"
	}
	column := strings.TrimSpace(cfg.ExpiryColumn)
	if column == "" {
		column = "removal_time"
	}
	for _, id := range []string{table, column} {
		if !identRe.MatchString(id) {
			return nil, fmt.Errorf("invalid sql identifier %q", id)
		}
	}

	h := &HistoryCleaner{db: db, clock: clk, log: log.With(logx.String("comp", "history")), table: table, column: column}
	if cfg.CreateIfMissing {
		if err := h.createSchema(ctx); err != nil {
			return nil, err
		}
	}
	if err := h.checkSchema(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *HistoryCleaner) createSchema(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %[1]s (id INTEGER PRIMARY KEY, payload TEXT, %[2]s INTEGER);
		 CREATE INDEX IF NOT EXISTS %[1]s_%[2]s ON %[1]s(%[2]s);`, h.table, h.column))
	return err
}

func (h *HistoryCleaner) checkSchema(ctx context.Context) error {
	var n int
	err := h.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, h.table, h.column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", h.table, err)
	}
	if n == 0 {
		return fmt.Errorf("table %s has no column %s", h.table, h.column)
	}
	return nil
}

// Run deletes up to limit expired rows.
//
// A missing table is permanent (NoRetry); anything else, typically
// "database is locked", is left to the retry policy.
func (h *HistoryCleaner) Run(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	now := h.clock.Now().UnixMilli()
	q := fmt.Sprintf(
		`DELETE FROM %[1]s WHERE rowid IN (
		   SELECT rowid FROM %[1]s WHERE %[2]s IS NOT NULL AND %[2]s <= ? ORDER BY %[2]s LIMIT ?)`,
		h.table, h.column)
	res, err := h.db.ExecContext(ctx, q, now, limit)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") || strings.Contains(err.Error(), "no such column") {
			return 0, scheduler.NoRetry(fmt.Errorf("history cleanup: %w", err))
		}
		return 0, fmt.Errorf("history cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	h.log.Debug("expired history removed", logx.Int64("rows", n), logx.Int("limit", limit))
	return int(n), nil
}

// Pending counts rows that are already expired.
func (h *HistoryCleaner) Pending(ctx context.Context) (int, error) {
	var n int
	err := h.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %[1]s WHERE %[2]s IS NOT NULL AND %[2]s <= ?`, h.table, h.column),
		h.clock.Now().UnixMilli()).Scan(&n)
	return n, err
}

// Close closes the database if OpenHistory opened it.
func (h *HistoryCleaner) Close() error {
	if h == nil || !h.owned || h.db == nil {
		return nil
	}
	return h.db.Close()
}
