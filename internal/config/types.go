package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// Pointer fields distinguish "omitted" (take the default) from an explicit
// zero, which may be valid (batch_threshold: 0) or rejected (batch_size: 0).
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Clock   ClockConfig    `json:"clock"`
	Cleanup CleanupConfig  `json:"cleanup"`
	History HistoryConfig  `json:"history"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Admin   AdminConfig    `json:"admin"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ClockConfig selects the single local clock all windows are evaluated in.
type ClockConfig struct {
	// Timezone is an IANA name; empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`
}

// BatchWindowConfig is the daily window, as "HH:mm" strings.
// Omitted values default to "00:00" (equal start and end is a full day).
type BatchWindowConfig struct {
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
}

// CleanupConfig controls the managed cleanup job.
//
// Durations are Go duration strings (e.g. "10s", "5m").
//
// Defaults:
//   - batch_size: 500
//   - batch_threshold: 10
//   - default_retries: 3
//   - retry_base: "10s"
//   - retry_max_delay: "5m"
//   - retry_jitter: 0.2
//   - run_timeout: "0s" (disabled)
//   - recurring: true
type CleanupConfig struct {
	BatchWindow    BatchWindowConfig `json:"batch_window"`
	BatchSize      *int              `json:"batch_size,omitempty"`
	BatchThreshold *int              `json:"batch_threshold,omitempty"`
	DefaultRetries *int              `json:"default_retries,omitempty"`
	RetryBase      string            `json:"retry_base,omitempty"`
	RetryMaxDelay  string            `json:"retry_max_delay,omitempty"`
	RetryJitter    *float64          `json:"retry_jitter,omitempty"`
	RunTimeout     string            `json:"run_timeout,omitempty"`
	Recurring      *bool             `json:"recurring,omitempty"`
}

// HistoryConfig points the cleaner at the sqlite history database.
//
// Example:
//
//	"history": { "path": "./history.db", "table": "history", "expiry_column": "removal_time" }
type HistoryConfig struct {
	Path            string `json:"path,omitempty"`          // default: "./history.db"
	Table           string `json:"table,omitempty"`         // default: "history"
	ExpiryColumn    string `json:"expiry_column,omitempty"` // default: "removal_time"
	BusyTimeout     string `json:"busy_timeout,omitempty"`
	CreateIfMissing bool   `json:"create_if_missing,omitempty"`
}

// StorageConfig controls where the job record and incidents persist.
// Omitting the section keeps state in memory only.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cleanupd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// AdminConfig controls the optional admin HTTP server.
//
// Prefer a loopback address. Binding elsewhere requires allow_insecure since
// the trigger endpoints are unauthenticated.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
