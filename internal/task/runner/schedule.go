package runner

import (
	"sync/atomic"
	"time"
)

// dueSchedule is a cron.Schedule that fires exactly once at at, even when at
// is already in the past. Later calls return the zero time, which cron treats
// as "never".
type dueSchedule struct {
	at   time.Time
	used atomic.Bool
}

func newDueSchedule(at time.Time) *dueSchedule { return &dueSchedule{at: at} }

func (s *dueSchedule) Next(time.Time) time.Time {
	if s.used.Swap(true) {
		return time.Time{}
	}
	return s.at
}
