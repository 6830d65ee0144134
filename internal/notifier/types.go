package notifier

import (
	"time"

	"cadence/internal/workflow"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	QueueSize       int
	RatePerSec      float64
	Burst           int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// NotifySuccess also reports succeeded executions.
	NotifySuccess bool
	// NotifyMissed reports executions started by a missed trigger.
	NotifyMissed bool
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Message is one operator-facing notification about an execution.
type Message struct {
	Title       string             `json:"title"`
	Text        string             `json:"text"`
	JobID       string             `json:"job_id"`
	ExecutionID string             `json:"execution_id"`
	Trigger     workflow.Trigger   `json:"trigger"`
	Status      workflow.Status    `json:"status"`
	Stage       string             `json:"stage,omitempty"`
	ErrorKind   workflow.ErrorKind `json:"error_kind,omitempty"`
	Retryable   bool               `json:"retryable"`
	NeedsAction bool               `json:"needs_action"`
	At          time.Time          `json:"at"`
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Sink  string    `json:"sink"`
	Title string    `json:"title"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	JobID       string    `json:"job_id"`
	ExecutionID string    `json:"execution_id"`
	Sink        string    `json:"sink,omitempty"`
	Key         string    `json:"key,omitempty"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}
