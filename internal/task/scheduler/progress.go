package scheduler

import (
	"time"

	"cleanupd/internal/window"
)

// DecideNextAction chooses between re-running right away and waiting for the
// next window after a run that finished at now inside occurrence w.
//
// A successful run that processed at least BatchThreshold items while the
// window is still open probably left more work behind, so it is rescheduled
// for now. Anything else waits for the next occurrence that has not started:
// w itself when now is before w.Start, otherwise a later one.
func (c Config) DecideNextAction(result RunResult, w window.Window, now time.Time) Decision {
	if result.Succeeded && result.ItemsProcessed >= c.BatchThreshold && w.Contains(now) {
		return Decision{Action: ActionRescheduleImmediate, DueDate: now}
	}
	if now.Before(w.Start) {
		return Decision{Action: ActionWaitForNextWindow, DueDate: window.ResolveDueDate(w, now)}
	}
	next := window.NextAfter(w, now)
	return Decision{Action: ActionWaitForNextWindow, DueDate: window.ResolveDueDate(next, now)}
}

// backlogDrained reports whether a successful run processed fewer items than
// the threshold.
func (c Config) backlogDrained(result RunResult) bool {
	return result.Succeeded && result.ItemsProcessed < c.BatchThreshold
}
