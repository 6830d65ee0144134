package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain caps how many finished executions are kept on disk (0 = 1000).
	Retain int
}

func (c Config) retain() int {
	if c.Retain <= 0 {
		return 1000
	}
	return c.Retain
}

// Well-known mark keys.
const (
	MarkSchedulerTick = "scheduler.last_tick"
)
