package workflow

import (
	"time"
)

// Trigger says why an execution was requested.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerMissed    Trigger = "missed"
	TriggerManual    Trigger = "manual"
)

func (t Trigger) Valid() bool {
	switch t {
	case TriggerScheduled, TriggerMissed, TriggerManual:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// Class is the retry classification of a failure.
type Class string

const (
	ClassRetryable       Class = "retryable"
	ClassTerminal        Class = "terminal"
	ClassNeedsUserAction Class = "needs_user_action"
)

// ErrorKind narrows a failure down to a cause operators recognise.
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindNetwork      ErrorKind = "network"
	KindRateLimit    ErrorKind = "rate_limit"
	KindConfig       ErrorKind = "config"
	KindMissingInput ErrorKind = "missing_input"
	KindAuth         ErrorKind = "auth"
	KindUsageLimit   ErrorKind = "usage_limit"
	KindNotInstalled ErrorKind = "not_installed"
	KindCanceled     ErrorKind = "canceled"
	KindProcess      ErrorKind = "process"
	KindAbandoned    ErrorKind = "abandoned"
	KindUnknown      ErrorKind = "unknown"
)

// ErrorDetail is the structured error carried by a finished Execution.
type ErrorDetail struct {
	Kind      ErrorKind `json:"kind"`
	Class     Class     `json:"class"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Retryable bool      `json:"retryable"`
	// NeedsAction is set when a human has to intervene (credentials, quota).
	NeedsAction bool `json:"needs_action"`
}

// Job is a named recurring unit of work.
type Job struct {
	ID       string        `json:"id"`
	Stages   []string      `json:"stages"`
	Cron     string        `json:"cron"`
	Timezone string        `json:"timezone"`
	Enabled  bool          `json:"enabled"`
	Budget   time.Duration `json:"budget,omitempty"`
	Retry    RetryPolicy   `json:"retry"`

	LastRun time.Time `json:"last_run,omitempty"`
	NextRun time.Time `json:"next_run,omitempty"`
}

// RetryPolicy is the per-job backoff configuration for retryable stage failures.
type RetryPolicy struct {
	// MaxAttempts counts the first try; 1 disables retries.
	MaxAttempts int `json:"max_attempts"`
	// Strategy is "fixed" or "exponential".
	Strategy     string        `json:"strategy"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier,omitempty"`
	Jitter       float64       `json:"jitter,omitempty"`
}

// RunRequest asks the executor to run one job now.
type RunRequest struct {
	JobID      string    `json:"job_id"`
	Trigger    Trigger   `json:"trigger"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// FireTime is the schedule slot the request stands for (zero for manual runs).
	FireTime time.Time `json:"fire_time,omitempty"`
}

// StageResult is written once per finished stage and never changed afterwards.
type StageResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Started  time.Time     `json:"started"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Execution is one concrete run of a job's pipeline.
type Execution struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id"`
	Trigger    Trigger       `json:"trigger"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	StageIndex int           `json:"stage_index"`
	StageName  string        `json:"stage_name,omitempty"`
	Status     Status        `json:"status"`
	Error      *ErrorDetail  `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	Results    []StageResult `json:"results,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (e Execution) Clone() Execution {
	cp := e
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		cp.FinishedAt = &t
	}
	if e.Error != nil {
		d := *e.Error
		cp.Error = &d
	}
	if e.Results != nil {
		cp.Results = append([]StageResult(nil), e.Results...)
	}
	return cp
}

// Finish moves the execution into a terminal state.
func (e *Execution) Finish(status Status, at time.Time, detail *ErrorDetail) {
	e.Status = status
	t := at
	e.FinishedAt = &t
	e.Duration = at.Sub(e.StartedAt)
	if e.Duration < 0 {
		e.Duration = 0
	}
	e.Error = detail
}

// JobState is the coarse state reported by a status query.
type JobState string

const (
	StateIdle      JobState = "idle"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateTimedOut  JobState = "timed_out"
)

// JobStatus answers "what is this job doing".
type JobStatus struct {
	JobID        string     `json:"job_id"`
	State        JobState   `json:"state"`
	ExecutionID  string     `json:"execution_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CurrentStage string     `json:"current_stage,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Error        string     `json:"error,omitempty"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	Retryable    bool       `json:"retryable"`
	NeedsAction  bool       `json:"needs_action"`
}

// StatusFor derives a JobStatus from the job's most relevant execution.
// A nil execution means the job has never run.
func StatusFor(jobID string, e *Execution) JobStatus {
	st := JobStatus{JobID: jobID, State: StateIdle}
	if e == nil {
		return st
	}
	st.ExecutionID = e.ID
	switch e.Status {
	case StatusRunning:
		t := e.StartedAt
		st.State = StateRunning
		st.StartedAt = &t
		st.CurrentStage = e.StageName
		return st
	case StatusSucceeded:
		st.State = StateSucceeded
	case StatusFailed:
		st.State = StateFailed
	case StatusTimedOut:
		st.State = StateTimedOut
	}
	st.FinishedAt = e.FinishedAt
	if e.Error != nil {
		st.Error = e.Error.Message
		st.ErrorKind = e.Error.Kind
		st.Retryable = e.Error.Retryable
		st.NeedsAction = e.Error.NeedsAction
	}
	return st
}
