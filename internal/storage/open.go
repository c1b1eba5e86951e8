package storage

import (
	"context"
	"errors"
	"strings"

	logx "cleanupd/pkg/logx"
)

// Store is the persistence API used by the scheduler.
type Store interface {
	// LoadJob returns the record stored under name or ErrNotFound.
	LoadJob(ctx context.Context, name string) (JobRecord, error)
	// SaveJob writes rec if the stored version equals expected (0 means "must
	// not exist yet"); otherwise it returns ErrVersionConflict.
	SaveJob(ctx context.Context, rec JobRecord, expected uint64) error
	AppendIncident(ctx context.Context, in Incident) error
	// Incidents returns up to limit most recent incidents, newest first.
	Incidents(ctx context.Context, limit int) ([]Incident, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// ValidDriver reports whether Open understands driver.
func ValidDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none", "memory", "file", "sqlite", "sqlite3":
		return true
	}
	return false
}
