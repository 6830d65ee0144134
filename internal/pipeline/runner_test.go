package pipeline

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"cadence/internal/retry"
	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

func fastRetry(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, Strategy: retry.StrategyFixed, InitialDelay: time.Millisecond}
}

func newTestRunner(cfg Config) *Runner {
	return NewRunner(cfg, nil, retry.Default(), logx.Nop())
}

func TestFailedStageHaltsPipeline(t *testing.T) {
	t.Parallel()
	var ranC atomic.Bool
	var finished []int
	req := Request{
		JobID:       "daily-brief",
		ExecutionID: "x1",
		Trigger:     workflow.TriggerScheduled,
		Retry:       fastRetry(3),
		Stages: []Stage{
			Local("A", func(ctx context.Context, in Input) (string, error) { return "a", nil }),
			Local("B", func(ctx context.Context, in Input) (string, error) {
				return "", retry.Terminal(errors.New("bad input"))
			}),
			Local("C", func(ctx context.Context, in Input) (string, error) {
				ranC.Store(true)
				return "c", nil
			}),
		},
		Hooks: Hooks{StageFinished: func(i int, _ workflow.StageResult) { finished = append(finished, i) }},
	}

	rep := newTestRunner(Config{}).Run(context.Background(), req)
	if ranC.Load() {
		t.Fatal("stage C ran after B failed")
	}
	if rep.Status != workflow.StatusFailed || rep.StageIndex != 1 || rep.StageName != "B" {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Results) != 2 || !rep.Results[0].OK || rep.Results[1].OK {
		t.Fatalf("results = %+v", rep.Results)
	}
	if rep.Results[1].Attempts != 1 {
		t.Fatalf("terminal failure retried: attempts = %d", rep.Results[1].Attempts)
	}
	if rep.Error == nil || rep.Error.Retryable || rep.Error.Stage != "B" {
		t.Fatalf("error = %+v", rep.Error)
	}
	if !reflect.DeepEqual(finished, []int{0, 1}) {
		t.Fatalf("finished hooks = %v", finished)
	}
}

func TestRetryReinvokesOnlyFailingStage(t *testing.T) {
	t.Parallel()
	var aCalls, bCalls atomic.Int32
	var snapshot workflow.StageResult
	var retries int

	req := Request{
		Retry: fastRetry(3),
		Stages: []Stage{
			Local("prepare", func(ctx context.Context, in Input) (string, error) {
				aCalls.Add(1)
				return "prepared", nil
			}),
			Local("enrich", func(ctx context.Context, in Input) (string, error) {
				bCalls.Add(1)
				if in.Attempt < 3 {
					return "", errors.New("connection reset by peer")
				}
				return in.Previous + "+enriched", nil
			}),
			Local("deliver", func(ctx context.Context, in Input) (string, error) {
				return in.Prior["prepare"] + "|" + in.Previous, nil
			}),
		},
		Hooks: Hooks{
			StageFinished: func(i int, res workflow.StageResult) {
				if i == 0 {
					snapshot = res
				}
			},
			Retrying: func(int, string, retry.Attempt) { retries++ },
		},
	}

	rep := newTestRunner(Config{}).Run(context.Background(), req)
	if rep.Status != workflow.StatusSucceeded {
		t.Fatalf("status = %s err = %+v", rep.Status, rep.Error)
	}
	if aCalls.Load() != 1 || bCalls.Load() != 3 || retries != 2 {
		t.Fatalf("calls a=%d b=%d retries=%d", aCalls.Load(), bCalls.Load(), retries)
	}
	if !reflect.DeepEqual(rep.Results[0], snapshot) {
		t.Fatalf("earlier result changed: %+v vs %+v", rep.Results[0], snapshot)
	}
	if rep.Results[1].Attempts != 3 {
		t.Fatalf("enrich attempts = %d", rep.Results[1].Attempts)
	}
	if got := rep.Results[2].Output; got != "prepared|prepared+enriched" {
		t.Fatalf("deliver output = %q", got)
	}
}

func TestRetryCapFailsWithLastError(t *testing.T) {
	t.Parallel()
	req := Request{
		Retry: fastRetry(2),
		Stages: []Stage{
			Local("fetch", func(ctx context.Context, in Input) (string, error) {
				return "", errors.New("HTTP 503 service unavailable")
			}),
		},
	}
	rep := newTestRunner(Config{}).Run(context.Background(), req)
	if rep.Status != workflow.StatusFailed || rep.Error == nil {
		t.Fatalf("report = %+v", rep)
	}
	if !rep.Error.Retryable || rep.Error.Kind != workflow.KindNetwork || rep.Error.Attempts != 2 {
		t.Fatalf("error = %+v", rep.Error)
	}
}

func TestNeedsActionFailsImmediately(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	req := Request{
		Retry: fastRetry(5),
		Stages: []Stage{
			Local("enrich", func(ctx context.Context, in Input) (string, error) {
				calls.Add(1)
				return "", errors.New("Invalid API key. Please run /login")
			}),
		},
	}
	rep := newTestRunner(Config{}).Run(context.Background(), req)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
	if rep.Error == nil || !rep.Error.NeedsAction || rep.Error.Kind != workflow.KindAuth {
		t.Fatalf("error = %+v", rep.Error)
	}
}

func TestStageTimeoutIsHard(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)

	req := Request{
		Retry: fastRetry(1),
		Stages: []Stage{{
			Name:    "stuck",
			Kind:    KindLocal,
			Timeout: 50 * time.Millisecond,
			Local: func(ctx context.Context, in Input) (string, error) {
				<-block // ignores ctx on purpose
				return "", nil
			},
		}},
	}
	start := time.Now()
	rep := newTestRunner(Config{}).Run(context.Background(), req)
	if time.Since(start) > 2*time.Second {
		t.Fatal("stage timeout was not enforced")
	}
	if rep.Status != workflow.StatusTimedOut || rep.Error.Kind != workflow.KindTimeout || !rep.Error.Retryable {
		t.Fatalf("report = %+v err = %+v", rep, rep.Error)
	}
}

func TestPanicIsTerminal(t *testing.T) {
	t.Parallel()
	req := Request{
		Retry: fastRetry(3),
		Stages: []Stage{
			Local("boom", func(ctx context.Context, in Input) (string, error) { panic("nil map") }),
		},
	}
	rep := newTestRunner(Config{}).Run(context.Background(), req)
	if rep.Status != workflow.StatusFailed || rep.Error.Retryable || rep.Results[0].Attempts != 1 {
		t.Fatalf("report = %+v err = %+v", rep, rep.Error)
	}
}

func TestCancellationReachesLocalStage(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	observed := make(chan struct{})

	req := Request{
		Retry: fastRetry(3),
		Stages: []Stage{
			Local("wait", func(ctx context.Context, in Input) (string, error) {
				close(started)
				<-ctx.Done()
				close(observed)
				return "", ctx.Err()
			}),
		},
	}
	go func() {
		<-started
		cancel()
	}()
	rep := newTestRunner(Config{}).Run(ctx, req)
	if rep.Status != workflow.StatusFailed || rep.Error.Kind != workflow.KindCanceled {
		t.Fatalf("report = %+v err = %+v", rep, rep.Error)
	}
	select {
	case <-observed:
	case <-time.After(2 * time.Second):
		t.Fatal("stage did not observe cancellation")
	}
}

func TestInvalidDescriptors(t *testing.T) {
	t.Parallel()
	req := Request{
		Retry:  fastRetry(3),
		Stages: []Stage{{Name: "enrich", Kind: KindProcess}},
	}
	rep := newTestRunner(Config{}).Run(context.Background(), req)
	if rep.Status != workflow.StatusFailed || rep.Error.Kind != workflow.KindConfig {
		t.Fatalf("report = %+v err = %+v", rep, rep.Error)
	}
}

func TestOutputIsTruncatedToTail(t *testing.T) {
	t.Parallel()
	req := Request{
		Retry: fastRetry(1),
		Stages: []Stage{
			Local("big", func(ctx context.Context, in Input) (string, error) { return "0123456789", nil }),
		},
	}
	rep := newTestRunner(Config{OutputLimit: 4}).Run(context.Background(), req)
	if rep.Results[0].Output != "6789" {
		t.Fatalf("output = %q", rep.Results[0].Output)
	}
}
