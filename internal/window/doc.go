// Package window computes batch window occurrences and job due dates.
//
// A batch window is a daily time-of-day interval [start, end). When end is not
// after start the window crosses midnight; when start equals end it spans the
// whole day. Everything here is pure: callers pass the reference instant, and
// the location of that instant is the local clock the window is evaluated in.
package window
