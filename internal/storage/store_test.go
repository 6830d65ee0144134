package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

func drivers(t *testing.T) map[string]Config {
	dir := t.TempDir()
	return map[string]Config{
		"file":   {Driver: "file", Path: filepath.Join(dir, "file", "cadence.db"), Retain: 5},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "cadence.db"), Retain: 5},
	}
}

func execution(id string, started time.Time) workflow.Execution {
	return workflow.Execution{ID: id, JobID: "daily-brief", Trigger: workflow.TriggerScheduled, StartedAt: started, Status: workflow.StatusRunning}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", "NONE"} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestExecutionLifecycleAndOrder(t *testing.T) {
	t.Parallel()
	for name, cfg := range drivers(t) {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			base := time.Date(2024, 3, 11, 6, 0, 0, 0, time.UTC)

			// a starts first but finishes last: history follows completion order.
			a := execution("a", base)
			b := execution("b", base.Add(time.Second))
			for _, e := range []workflow.Execution{a, b} {
				if err := st.SaveExecution(ctx, e); err != nil {
					t.Fatal(err)
				}
			}
			a.StageIndex, a.StageName = 1, "enrich"
			if err := st.SaveExecution(ctx, a); err != nil {
				t.Fatal(err)
			}

			un, err := st.ListUnfinished(ctx)
			if err != nil || len(un) != 2 || un[0].ID != "a" || un[0].StageName != "enrich" {
				t.Fatalf("unfinished = %+v err = %v", un, err)
			}

			b.Finish(workflow.StatusSucceeded, base.Add(2*time.Second), nil)
			a.Finish(workflow.StatusFailed, base.Add(3*time.Second), &workflow.ErrorDetail{Kind: workflow.KindNetwork, Retryable: true})
			if err := st.SaveExecution(ctx, b); err != nil {
				t.Fatal(err)
			}
			if err := st.SaveExecution(ctx, a); err != nil {
				t.Fatal(err)
			}

			hist, err := st.ListExecutions(ctx, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(hist) != 2 || hist[0].ID != "a" || hist[1].ID != "b" {
				t.Fatalf("history order = %+v", hist)
			}
			if hist[0].Error == nil || hist[0].Error.Kind != workflow.KindNetwork {
				t.Fatalf("error detail lost: %+v", hist[0])
			}
			if un, _ := st.ListUnfinished(ctx); len(un) != 0 {
				t.Fatalf("unfinished after finish = %+v", un)
			}
			if err := st.Close(); err != nil {
				t.Fatal(err)
			}

			// Reopen and check the same view survives.
			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			defer st.Close()
			hist, err = st.ListExecutions(ctx, 1)
			if err != nil || len(hist) != 1 || hist[0].ID != "a" {
				t.Fatalf("history after reopen = %+v err = %v", hist, err)
			}
		})
	}
}

func TestRetentionCap(t *testing.T) {
	t.Parallel()
	for name, cfg := range drivers(t) {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 12; i++ {
				e := execution(fmt.Sprintf("e%02d", i), base.Add(time.Duration(i)*time.Minute))
				e.Finish(workflow.StatusSucceeded, e.StartedAt.Add(time.Second), nil)
				if err := st.SaveExecution(ctx, e); err != nil {
					t.Fatal(err)
				}
			}
			_ = st.Close()

			// Reopening compacts the file store; sqlite serves the limit directly.
			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			defer st.Close()
			hist, err := st.ListExecutions(ctx, 5)
			if err != nil {
				t.Fatal(err)
			}
			if len(hist) != 5 || hist[0].ID != "e11" || hist[4].ID != "e07" {
				t.Fatalf("history = %d entries, first %s", len(hist), hist[0].ID)
			}
		})
	}
}

func TestMarksAndDedup(t *testing.T) {
	t.Parallel()
	for name, cfg := range drivers(t) {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			defer st.Close()

			if _, ok, err := st.GetMark(ctx, MarkSchedulerTick); ok || err != nil {
				t.Fatalf("unexpected mark: ok=%v err=%v", ok, err)
			}
			at := time.Date(2024, 3, 11, 5, 50, 0, 0, time.UTC)
			if err := st.PutMark(ctx, MarkSchedulerTick, at); err != nil {
				t.Fatal(err)
			}
			got, ok, err := st.GetMark(ctx, MarkSchedulerTick)
			if err != nil || !ok || !got.Equal(at) {
				t.Fatalf("mark = %v ok=%v err=%v", got, ok, err)
			}

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "daily-brief:failed", until); err != nil {
				t.Fatal(err)
			}
			got, ok, err = st.GetDedup(ctx, "daily-brief:failed")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("dedup = %v ok=%v err=%v", got, ok, err)
			}
			// Marks and dedup keys live in separate namespaces.
			if _, ok, _ := st.GetMark(ctx, "daily-brief:failed"); ok {
				t.Fatal("dedup key visible as mark")
			}
		})
	}
}
