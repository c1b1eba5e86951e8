package window

import (
	"fmt"
	"time"
)

// Config is the configured batch window. The zero value is the full-day window
// starting at midnight.
type Config struct {
	Start TimeOfDay
	End   TimeOfDay
}

// ParseConfig builds a Config from two "HH:mm" strings.
func ParseConfig(start, end string) (Config, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return Config{}, fmt.Errorf("start time: %w", err)
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return Config{}, fmt.Errorf("end time: %w", err)
	}
	return Config{Start: s, End: e}, nil
}

// FullDay reports whether the window spans the whole 24 hours.
func (c Config) FullDay() bool { return c.Start == c.End }

// CrossesMidnight reports whether an occurrence ends on the day after it starts.
func (c Config) CrossesMidnight() bool { return !c.Start.Before(c.End) }

func (c Config) String() string { return c.Start.String() + "-" + c.End.String() }

// AnchoredAt returns the occurrence that starts on day's calendar date.
func (c Config) AnchoredAt(day time.Time) Window {
	start := c.Start.On(day)
	var end time.Time
	switch {
	case c.FullDay():
		end = start.AddDate(0, 0, 1)
	case c.Start.Before(c.End):
		end = c.End.On(day)
	default:
		end = c.End.On(day.AddDate(0, 0, 1))
	}
	return Window{Start: start, End: end}
}

// CurrentOrNext returns the occurrence containing ref, or, if none does, the
// occurrence anchored at ref's own calendar day (which may already have ended).
//
// An occurrence that started the previous day is only reachable when the
// window crosses midnight or spans the full day; it is checked first so that
// 00:15 with a 23:00-01:00 window lands in the window opened at 23:00.
func CurrentOrNext(c Config, ref time.Time) Window {
	if c.CrossesMidnight() {
		if prev := c.AnchoredAt(ref.AddDate(0, 0, -1)); prev.Contains(ref) {
			return prev
		}
	}
	return c.AnchoredAt(ref)
}

// DueDate resolves the due date for ref against the configured window.
func (c Config) DueDate(ref time.Time) time.Time {
	return ResolveDueDate(CurrentOrNext(c, ref), ref)
}

// Window is one materialized occurrence, half-open [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether ts is inside [Start, End).
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// Next returns the same window one calendar day later.
func (w Window) Next() Window {
	return Window{Start: w.Start.AddDate(0, 0, 1), End: w.End.AddDate(0, 0, 1)}
}

// Duration is the length of the occurrence.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

func (w Window) String() string {
	return w.Start.Format("2006-01-02 15:04") + " -> " + w.End.Format("2006-01-02 15:04")
}

// ResolveDueDate decides when a job evaluated at ref should run:
//   - ref inside w: run now (ref)
//   - ref before w: at w.Start
//   - ref at or after w.End: at the start of the next day's occurrence
func ResolveDueDate(w Window, ref time.Time) time.Time {
	switch {
	case w.Contains(ref):
		return ref
	case ref.Before(w.Start):
		return w.Start
	default:
		return w.Next().Start
	}
}

// NextAfter returns the first occurrence after w that has not ended at now.
func NextAfter(w Window, now time.Time) Window {
	next := w.Next()
	for !now.Before(next.End) {
		next = next.Next()
	}
	return next
}
