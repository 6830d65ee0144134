package scheduler

import (
	"errors"
	"time"

	"cadence/internal/workflow"
)

var ErrUnknownJob = errors.New("unknown job")

// EventClockJump is published when the tick loop detects a wall-clock
// discontinuity.
const EventClockJump = "scheduler.clock_jump"

// Config controls the tick loop.
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: 30s
//   - discontinuity_threshold: 1m
//   - grace_window: 2h
//   - timezone: UTC
type Config struct {
	Enabled bool
	// Timezone applies to jobs that do not set their own.
	Timezone               string
	TickInterval           time.Duration
	DiscontinuityThreshold time.Duration
	GraceWindow            time.Duration
	// CatchUpOnStart runs a missed scan from the persisted last tick.
	CatchUpOnStart bool
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.DiscontinuityThreshold <= 0 {
		c.DiscontinuityThreshold = time.Minute
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 2 * time.Hour
	}
	return c
}

// Enqueuer accepts run requests without blocking.
type Enqueuer interface {
	Enqueue(req workflow.RunRequest) error
}

// ClockJumpEvent is the payload for EventClockJump.
type ClockJumpEvent struct {
	From   time.Time     `json:"from"`
	To     time.Time     `json:"to"`
	Drift  time.Duration `json:"drift"`
	Missed []string      `json:"missed,omitempty"`
}
