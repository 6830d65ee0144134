// Package storage persists execution records, checkpoints and small
// time-valued marks so the engine can reconcile after a restart.
//
// Drivers:
//   - file: JSON Lines journal plus periodic snapshot, no dependencies
//   - sqlite: a single SQLite database file (modernc.org/sqlite, pure Go)
package storage
