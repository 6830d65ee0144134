package executor

import (
	"context"
	"errors"
	"time"

	"cadence/internal/pipeline"
	"cadence/internal/retry"
	"cadence/internal/workflow"
)

var (
	ErrAlreadyRunning = errors.New("already running")
	ErrUnknownJob     = errors.New("unknown job")
	ErrQueueFull      = errors.New("run queue full")
	ErrStopped        = errors.New("executor stopped")
	ErrDisabled       = errors.New("job disabled")
)

// Config controls the executor.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 64
//   - history_size: 200
//   - budget: 1h
//   - max_queue_delay: 0 (disabled)
type Config struct {
	QueueSize   int
	HistorySize int

	// Budget is the default wall-clock limit for one execution.
	Budget time.Duration

	// MaxQueueDelay drops scheduled requests that waited longer than this.
	MaxQueueDelay time.Duration

	// Retry is the base policy; a job's own retry settings layer on top.
	Retry retry.Policy
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.Budget <= 0 {
		c.Budget = time.Hour
	}
	if c.Retry.MaxAttempts == 0 && c.Retry.Strategy == "" {
		c.Retry = retry.DefaultPolicy
	}
	return c
}

// Catalog resolves job definitions at admission time.
type Catalog interface {
	Job(id string) (workflow.Job, bool)
}

// StageResolver turns a job's stage names into pipeline descriptors.
type StageResolver interface {
	Resolve(names []string) ([]pipeline.Stage, error)
}

// Runner executes a pipeline.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Report
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running     []workflow.JobStatus `json:"running"`
	QueueLen    int                  `json:"queue_len"`
	QueueCap    int                  `json:"queue_cap"`
	HistoryLen  int                  `json:"history_len"`
	HistoryCap  int                  `json:"history_cap"`
	Started     uint64               `json:"started"`
	Skipped     uint64               `json:"skipped"`
	Dropped     uint64               `json:"dropped"`
	DroppedFull uint64               `json:"dropped_queue_full"`
	DroppedOld  uint64               `json:"dropped_stale"`
}
