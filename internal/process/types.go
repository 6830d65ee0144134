package process

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout      = errors.New("process timed out")
	ErrClosed       = errors.New("process manager closed")
	ErrEmptyCommand = errors.New("process command is empty")
	ErrNoPTY        = errors.New("pseudo-terminal not supported on this platform")
	ErrNotRunning   = errors.New("process not running")
)

// Config holds manager-wide defaults. Zero values fall back to sane defaults.
type Config struct {
	// OutputLimit caps the retained output per handle (oldest bytes dropped).
	OutputLimit int
	// KillGrace is the wait between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// DrainTimeout bounds how long output is read after the process exits,
	// in case a detached grandchild keeps the terminal open.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.OutputLimit <= 0 {
		c.OutputLimit = 256 << 10
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 500 * time.Millisecond
	}
	return c
}

// Spec describes one external program invocation.
type Spec struct {
	Command []string
	Dir     string
	// Env is appended to the parent environment.
	Env []string

	// PTY attaches the program to a pseudo-terminal instead of pipes.
	PTY bool
	// Interactive keeps stdin open for Handle.Write. Otherwise Stdin (if any)
	// is written and the input side is closed right away.
	Interactive bool
	Stdin       string

	// Label ties the handle to its owner (usually the execution id).
	Label string

	// OutputLimit and KillGrace override the manager defaults when > 0.
	OutputLimit int
	KillGrace   time.Duration

	// OnChunk, when set, receives output chunks in order while Await runs.
	OnChunk func([]byte)
}

// Outcome is the result of a finished process.
type Outcome struct {
	ExitCode int
	// Signal is set when the process was terminated by a signal.
	Signal   string
	Killed   bool
	Err      error
	Duration time.Duration
}

// Success reports a clean zero exit.
func (o Outcome) Success() bool { return o.Err == nil && o.ExitCode == 0 && !o.Killed }

// ExitError is returned by callers that treat a non-zero exit as failure.
type ExitError struct {
	Code   int
	Signal string
	Output string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("process terminated by %s", e.Signal)
	}
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// Info is a snapshot of a live handle.
type Info struct {
	ID        uint64    `json:"id"`
	PID       int       `json:"pid"`
	Label     string    `json:"label,omitempty"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
	PTY       bool      `json:"pty"`
	Bytes     int64     `json:"bytes"`
}
