package pipeline

import (
	"context"
	"time"

	"cadence/internal/process"
	"cadence/internal/workflow"
)

// Kind tags a stage descriptor.
type Kind string

const (
	KindLocal   Kind = "local"
	KindProcess Kind = "process"
)

// Input is what a stage sees when it runs.
type Input struct {
	JobID       string
	ExecutionID string
	Trigger     workflow.Trigger
	Stage       string
	Index       int
	// Attempt starts at 1 and grows on in-place retries.
	Attempt int
	// Previous is the payload of the stage right before this one.
	Previous string
	// Prior holds the payload of every completed stage, keyed by stage name.
	Prior map[string]string
}

// LocalFunc is the contract for in-process stages. It must honor ctx.
type LocalFunc func(ctx context.Context, in Input) (string, error)

// SpecFunc builds the subprocess invocation for a process stage.
type SpecFunc func(in Input) (process.Spec, error)

// Stage is one entry of a pipeline: either Local or Process is set.
type Stage struct {
	Name string
	Kind Kind

	Local   LocalFunc
	Process SpecFunc

	// Timeout is the hard limit for one attempt of the stage.
	Timeout time.Duration
	// ProcessTimeout bounds the subprocess itself, independently of Timeout.
	ProcessTimeout time.Duration
}

// Local builds a local stage descriptor.
func Local(name string, fn LocalFunc) Stage {
	return Stage{Name: name, Kind: KindLocal, Local: fn}
}

// Process builds a process stage descriptor.
func Process(name string, fn SpecFunc) Stage {
	return Stage{Name: name, Kind: KindProcess, Process: fn}
}
