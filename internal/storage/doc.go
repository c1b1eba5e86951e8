// Package storage persists the managed job record and the incident log.
//
// Drivers:
//   - "file": JSON snapshot + JSON Lines journal, no external dependencies
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "memory": process-local, lost on restart (tests, dry runs)
//
// Job saves are compare-and-swap on the record version so two writers can never
// silently overwrite each other's due date.
package storage
