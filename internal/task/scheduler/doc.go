// Package scheduler owns the managed maintenance job and decides its due date.
//
// The Service is a single-writer state machine:
//
//	UNSCHEDULED -> PENDING -> (DUE) -> RUNNING -> {SUCCEEDED, FAILED}
//	SUCCEEDED -> PENDING | COMPLETED
//	FAILED    -> PENDING (retry) | ABANDONED
//
// DUE is derived (PENDING with now >= DueDate). ABANDONED and COMPLETED are
// terminal until Rearm. Window arithmetic lives in internal/window; execution
// lives in internal/task/runner.
package scheduler
