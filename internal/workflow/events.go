package workflow

import "time"

// Event types published on the bus for execution lifecycle transitions.
const (
	EventStarted        = "execution.started"
	EventStageCompleted = "execution.stage_completed"
	EventSucceeded      = "execution.succeeded"
	EventFailed         = "execution.failed"
	EventTimedOut       = "execution.timed_out"

	// EventSkipped is published when a scheduled request arrives for a job that is still running.
	EventSkipped = "run.skipped"
	// EventDropped is published when the run queue is full.
	EventDropped = "run.dropped"
)

// ExecutionEvent is the payload for every execution.* event.
type ExecutionEvent struct {
	JobID       string    `json:"job_id"`
	ExecutionID string    `json:"execution_id"`
	Trigger     Trigger   `json:"trigger"`
	Status      Status    `json:"status"`
	At          time.Time `json:"at"`

	StageIndex int           `json:"stage_index"`
	Stage      string        `json:"stage,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`

	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	Retryable   bool      `json:"retryable"`
	NeedsAction bool      `json:"needs_action"`
}

// RunEvent is the payload for run.skipped / run.dropped.
type RunEvent struct {
	JobID   string    `json:"job_id"`
	Trigger Trigger   `json:"trigger"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason"`
}

// EventTypeFor maps a terminal status to its event type.
func EventTypeFor(s Status) string {
	switch s {
	case StatusSucceeded:
		return EventSucceeded
	case StatusTimedOut:
		return EventTimedOut
	case StatusFailed:
		return EventFailed
	default:
		return EventStarted
	}
}
