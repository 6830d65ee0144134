package retry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os/exec"
	"testing"
	"time"

	"cadence/internal/process"
	"cadence/internal/workflow"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	c := Default()

	tests := []struct {
		name   string
		err    error
		output string
		class  workflow.Class
		kind   workflow.ErrorKind
	}{
		{name: "process timeout", err: fmt.Errorf("stage enrich: %w", process.ErrTimeout), class: workflow.ClassRetryable, kind: workflow.KindTimeout},
		{name: "deadline", err: context.DeadlineExceeded, class: workflow.ClassRetryable, kind: workflow.KindTimeout},
		{name: "canceled", err: context.Canceled, class: workflow.ClassTerminal, kind: workflow.KindCanceled},
		{name: "missing binary", err: &exec.Error{Name: "claude", Err: exec.ErrNotFound}, class: workflow.ClassNeedsUserAction, kind: workflow.KindNotInstalled},
		{name: "auth signature", err: &process.ExitError{Code: 1}, output: "Error: not logged in. Please run login first.", class: workflow.ClassNeedsUserAction, kind: workflow.KindAuth},
		{name: "usage limit beats retry wording", err: &process.ExitError{Code: 1}, output: "Usage limit reached, try again later", class: workflow.ClassNeedsUserAction, kind: workflow.KindUsageLimit},
		{name: "rate limit", err: errors.New("HTTP 429 Too Many Requests"), class: workflow.ClassRetryable, kind: workflow.KindRateLimit},
		{name: "network text", err: errors.New("dial tcp 10.0.0.1:443: connection refused"), class: workflow.ClassRetryable, kind: workflow.KindNetwork},
		{name: "net op error", err: &net.OpError{Op: "dial", Err: errors.New("boom")}, class: workflow.ClassRetryable, kind: workflow.KindNetwork},
		{name: "exit 127", err: &process.ExitError{Code: 127}, class: workflow.ClassNeedsUserAction, kind: workflow.KindNotInstalled},
		{name: "plain exit", err: &process.ExitError{Code: 2}, output: "something odd", class: workflow.ClassTerminal, kind: workflow.KindProcess},
		{name: "missing input", err: fmt.Errorf("read brief: %w", fs.ErrNotExist), class: workflow.ClassTerminal, kind: workflow.KindMissingInput},
		{name: "unknown", err: errors.New("weird"), class: workflow.ClassTerminal, kind: workflow.KindUnknown},
		{name: "path naming billing", err: &fs.PathError{Op: "open", Path: "/srv/billing/2026-10.csv", Err: fs.ErrNotExist}, class: workflow.ClassTerminal, kind: workflow.KindMissingInput},
		{name: "path naming 401", err: &fs.PathError{Op: "open", Path: "/data/reports/401/summary.md", Err: fs.ErrNotExist}, class: workflow.ClassTerminal, kind: workflow.KindMissingInput},
		{name: "path naming timeout", err: fmt.Errorf("load: %w", &fs.PathError{Op: "open", Path: "/etc/cadence/timeout.yaml", Err: fs.ErrNotExist}), class: workflow.ClassTerminal, kind: workflow.KindMissingInput},
		{name: "permission on login path", err: &fs.PathError{Op: "open", Path: "/home/ops/please login.txt", Err: fs.ErrPermission}, class: workflow.ClassTerminal, kind: workflow.KindConfig},
		{name: "net op error naming 429", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("port 429 unreachable")}, class: workflow.ClassRetryable, kind: workflow.KindNetwork},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.err, tt.output)
			if got.Class != tt.class || got.Kind != tt.kind {
				t.Fatalf("Classify = %s/%s, want %s/%s", got.Class, got.Kind, tt.class, tt.kind)
			}
		})
	}
}

func TestClassifyMarks(t *testing.T) {
	t.Parallel()
	c := Default()

	got := c.Classify(Terminal(errors.New("connection refused")), "")
	if got.Class != workflow.ClassTerminal || got.Kind != workflow.KindNetwork {
		t.Fatalf("terminal mark = %+v", got)
	}
	if !IsTerminal(fmt.Errorf("wrapped: %w", Terminal(errors.New("x")))) {
		t.Fatal("IsTerminal should see through wrapping")
	}

	got = c.Classify(RetryAfter(errors.New("slow"), 3*time.Second), "")
	if !got.Retryable() || got.Kind != workflow.KindRateLimit || got.RetryAfter != 3*time.Second {
		t.Fatalf("retry-after = %+v", got)
	}

	got = c.Classify(NeedsAction(errors.New("renew"), workflow.KindUsageLimit), "")
	if !got.NeedsAction() || got.Kind != workflow.KindUsageLimit {
		t.Fatalf("needs action = %+v", got)
	}

	got = c.Classify(WithKind(errors.New("bad yaml"), workflow.KindConfig), "")
	if got.Class != workflow.ClassTerminal || got.Kind != workflow.KindConfig {
		t.Fatalf("with kind = %+v", got)
	}
}

func TestCustomSignaturesTakePrecedence(t *testing.T) {
	t.Parallel()
	c, err := NewClassifier([]SignatureConfig{
		{Name: "flaky-upstream", Pattern: `(?i)upstream hiccup`, Kind: "network"},
		{Name: "license", Pattern: `LICENSE EXPIRED`, Kind: "auth", Class: "terminal"},
	})
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	got := c.Classify(&process.ExitError{Code: 1}, "Upstream hiccup, sorry")
	if !got.Retryable() || got.Signature != "flaky-upstream" {
		t.Fatalf("custom retryable = %+v", got)
	}
	got = c.Classify(&process.ExitError{Code: 1}, "LICENSE EXPIRED")
	if got.Class != workflow.ClassTerminal || got.Kind != workflow.KindAuth {
		t.Fatalf("custom class override = %+v", got)
	}

	if _, err := NewClassifier([]SignatureConfig{{Pattern: "(", Kind: "auth"}}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
	if _, err := NewClassifier([]SignatureConfig{{Pattern: "x", Kind: "nope"}}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDetail(t *testing.T) {
	t.Parallel()
	c := Classification{Class: workflow.ClassNeedsUserAction, Kind: workflow.KindAuth}
	d := c.Detail(errors.New("not logged in"), "enrich", 1)
	if !d.NeedsAction || d.Retryable || d.Stage != "enrich" || d.Message != "not logged in" {
		t.Fatalf("detail = %+v", d)
	}
}
