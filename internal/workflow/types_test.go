package workflow

import (
	"testing"
	"time"
)

func TestStatusForStates(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)

	if got := StatusFor("a", nil); got.State != StateIdle {
		t.Fatalf("nil execution state = %s, want idle", got.State)
	}

	running := &Execution{ID: "x", JobID: "a", StartedAt: start, Status: StatusRunning, StageName: "enrich"}
	got := StatusFor("a", running)
	if got.State != StateRunning || got.CurrentStage != "enrich" || got.StartedAt == nil || !got.StartedAt.Equal(start) {
		t.Fatalf("running status = %+v", got)
	}

	failed := &Execution{ID: "y", JobID: "a", StartedAt: start, Status: StatusRunning}
	failed.Finish(StatusFailed, start.Add(time.Minute), &ErrorDetail{Kind: KindNetwork, Message: "boom", Retryable: true})
	got = StatusFor("a", failed)
	if got.State != StateFailed || !got.Retryable || got.Error != "boom" || got.ErrorKind != KindNetwork {
		t.Fatalf("failed status = %+v", got)
	}
	if failed.Duration != time.Minute {
		t.Fatalf("duration = %v, want 1m", failed.Duration)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := Execution{ID: "x", Results: []StageResult{{Name: "a", OK: true}}}
	e.Finish(StatusFailed, now, &ErrorDetail{Message: "m"})

	cp := e.Clone()
	cp.Results[0].Name = "changed"
	cp.Error.Message = "changed"
	*cp.FinishedAt = now.Add(time.Hour)

	if e.Results[0].Name != "a" || e.Error.Message != "m" || !e.FinishedAt.Equal(now) {
		t.Fatal("clone shares memory with original")
	}
}

func TestTriggerAndStatusHelpers(t *testing.T) {
	t.Parallel()
	if !TriggerMissed.Valid() || Trigger("bogus").Valid() {
		t.Fatal("Trigger.Valid mismatch")
	}
	if StatusRunning.Terminal() || !StatusTimedOut.Terminal() {
		t.Fatal("Status.Terminal mismatch")
	}
	if EventTypeFor(StatusTimedOut) != EventTimedOut {
		t.Fatal("EventTypeFor(timed_out)")
	}
}
