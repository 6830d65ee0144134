package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cadence/internal/config"
	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

const appYAML = `
scheduler:
  enabled: false
storage:
  driver: sqlite
  path: state.db
notifier:
  enabled: true
  sinks:
    log: false
control:
  enabled: false
stages:
  - name: greet
    builtin: noop
    config:
      text: "hello {{ .JobID }}"
jobs:
  - id: hello
    stages: [greet]
    cron: "@every 1h"
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAppTriggerRecordsHistory(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, appYAML)
	nop := logx.Nop()

	a, err := New(path, Options{Logger: &nop})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); err != nil {
		t.Fatalf("storage not opened next to config: %v", err)
	}

	id, err := a.Executor().Trigger(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty execution id")
	}

	var got workflow.Execution
	waitFor(t, 5*time.Second, func() bool {
		h := a.Executor().History(1)
		if len(h) == 0 {
			return false
		}
		got = h[0]
		return true
	})
	if got.ID != id || got.Status != workflow.StatusSucceeded {
		t.Fatalf("execution = %+v", got)
	}
	if len(got.Results) != 1 || got.Results[0].Output != "hello hello" {
		t.Fatalf("results = %+v", got.Results)
	}

	d := a.Diagnostics()
	if d.Jobs != 1 || d.Scheduler {
		t.Fatalf("diagnostics = %+v", d)
	}
}

func TestAppReloadAddsJob(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, appYAML)
	nop := logx.Nop()

	a, err := New(path, Options{Logger: &nop})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	next := appYAML + `  - id: bye
    stages: [greet]
    cron: "@every 1h"
`
	writeConfig(t, dir, next)
	waitFor(t, 5*time.Second, func() bool {
		_, ok := a.Scheduler().Job("bye")
		return ok
	})
}

func TestValidatorRejectsBadBuiltinConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, appYAML)
	nop := logx.Nop()
	a, err := New(path, Options{Logger: &nop})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if a.store != nil {
			_ = a.store.Close()
		}
	}()

	bad := strings.Replace(appYAML, `builtin: noop
    config:
      text: "hello {{ .JobID }}"`, `builtin: sleep
    config:
      duration: soon`, 1)
	cfg, err := config.Decode(path, []byte(bad))
	if err != nil {
		t.Fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("static validation should pass: %v", err)
	}
	if err := a.validate(context.Background(), cfg); err == nil {
		t.Fatal("expected validator to reject sleep duration")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     *config.Config
		enabled bool
		path    string
		wantErr bool
	}{
		{"omitted", &config.Config{}, false, "", false},
		{"none", &config.Config{Storage: &config.StorageConfig{Driver: "none"}}, false, "", false},
		{"relative", &config.Config{WorkDir: "/srv/cadence", Storage: &config.StorageConfig{Driver: "sqlite", Path: "state.db"}}, true, "/srv/cadence/state.db", false},
		{"absolute", &config.Config{WorkDir: "/srv", Storage: &config.StorageConfig{Driver: "SQLite", Path: "/var/lib/c.db"}}, true, "/var/lib/c.db", false},
		{"missing path", &config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}}, false, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(tc.cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v", err)
			}
			if enabled != tc.enabled || sc.Path != tc.path {
				t.Fatalf("got enabled=%v path=%q", enabled, sc.Path)
			}
			if enabled && sc.BusyTimeout != time.Second {
				t.Fatalf("busy timeout = %v", sc.BusyTimeout)
			}
		})
	}
}

func TestMapNotifierDefaults(t *testing.T) {
	t.Parallel()
	n, err := mapNotifierConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !n.Enabled || !n.NotifyMissed || n.NotifySuccess {
		t.Fatalf("defaults = %+v", n)
	}
	sinks, err := buildSinks(&config.Config{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(sinks) != 1 {
		t.Fatalf("sinks = %d, want log sink only", len(sinks))
	}

	off := false
	_, err = buildSinks(&config.Config{Notifier: &config.NotifierConfig{Sinks: config.SinksConfig{
		Log:     &off,
		Webhook: &config.WebhookConfig{URL: "  "},
	}}}, logx.Nop())
	if err == nil {
		t.Fatal("expected webhook url error")
	}
}

func TestMapJobs(t *testing.T) {
	t.Parallel()
	off := false
	jobs, err := mapJobs(&config.Config{Jobs: []config.JobConfig{
		{ID: " a ", Stages: []string{" s1", "s2 "}, Cron: "@hourly", Budget: "5m"},
		{ID: "b", Stages: []string{"s1"}, Enabled: &off},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if jobs[0].ID != "a" || jobs[0].Stages[0] != "s1" || jobs[0].Stages[1] != "s2" || jobs[0].Budget != 5*time.Minute || !jobs[0].Enabled {
		t.Fatalf("job a = %+v", jobs[0])
	}
	if jobs[1].Enabled {
		t.Fatal("job b should be disabled")
	}
	if _, err := mapJobs(&config.Config{Jobs: []config.JobConfig{{ID: "x", Budget: "later"}}}); err == nil {
		t.Fatal("expected budget parse error")
	}
}

func TestCheckAndNextRuns(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, appYAML)

	cfg, err := Check(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Jobs) != 1 {
		t.Fatalf("jobs = %d", len(cfg.Jobs))
	}

	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	times, err := NextRuns(path, "hello", 3, from)
	if err != nil {
		t.Fatal(err)
	}
	if len(times) != 3 || !times[0].After(from) || times[1].Sub(times[0]) != time.Hour {
		t.Fatalf("times = %v", times)
	}
	if _, err := NextRuns(path, "missing", 1, from); err == nil {
		t.Fatal("expected unknown job error")
	}

	badPath := writeConfig(t, t.TempDir(), strings.Replace(appYAML, "text: \"hello {{ .JobID }}\"", "text: \"{{ .Nope \"", 1))
	if _, err := Check(badPath); err == nil {
		t.Fatal("expected template parse error")
	}
}
