package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cleanupd/pkg/logx"
)

// Sections that only take effect on restart.
var restartSections = map[string]bool{"clock": true, "history": true, "storage": true, "admin": true}

// SummarizeConfigChange lists the changed top-level sections and structured
// attrs describing the new values, for one reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Clock.Timezone) != strings.TrimSpace(newCfg.Clock.Timezone) {
		changed = append(changed, "clock")
		attrs = append(attrs, logx.String("clock.timezone", strings.TrimSpace(newCfg.Clock.Timezone)))
	}

	if !reflect.DeepEqual(oldCfg.Cleanup, newCfg.Cleanup) {
		changed = append(changed, "cleanup")
		nc := newCfg.Cleanup
		attrs = append(attrs,
			logx.String("cleanup.start_time", nc.BatchWindow.StartTime),
			logx.String("cleanup.end_time", nc.BatchWindow.EndTime),
		)
		if nc.BatchSize != nil {
			attrs = append(attrs, logx.Int("cleanup.batch_size", *nc.BatchSize))
		}
		if nc.DefaultRetries != nil {
			attrs = append(attrs, logx.Int("cleanup.default_retries", *nc.DefaultRetries))
		}
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.table", newCfg.History.Table),
			logx.Bool("history.path_set", strings.TrimSpace(newCfg.History.Path) != ""),
		)
	}

	// nil means memory only
	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart reports which of the changed sections are not applied live.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
