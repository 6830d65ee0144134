package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cadence/pkg/logx"
)

const sampleYAML = `
logging:
  level: info
  console: true
scheduler:
  enabled: true
  timezone: UTC
  grace_window: 2h
executor:
  queue_size: 16
  retry:
    max_attempts: 3
    strategy: exponential
    initial_delay: 2s
stages:
  - name: fetch
    builtin: http-fetch
    config:
      url: https://example.com/feed
  - name: summarize
    command: ["sh", "-c", "cat"]
    timeout: 5m
jobs:
  - id: daily-brief
    cron: "0 6 * * 1-5"
    stages: [fetch, summarize]
    budget: 30m
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("/etc/cadence/config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Jobs) != 1 || cfg.Jobs[0].ID != "daily-brief" || !cfg.Jobs[0].IsEnabled() {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	if cfg.WorkDir != "/etc/cadence" {
		t.Fatalf("work dir = %q", cfg.WorkDir)
	}
	if string(cfg.Stages[0].Config) == "" || !strings.Contains(string(cfg.Stages[0].Config), "example.com") {
		t.Fatalf("stage config = %s", cfg.Stages[0].Config)
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.yaml", []byte("scheduler:\n  enabeld: true\n"))
	if err == nil || !strings.Contains(err.Error(), "enabeld") {
		t.Fatalf("err = %v", err)
	}
	if _, err := Decode("c.json", []byte(`{"jobs":[]} {"jobs":[]}`)); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Scheduler: SchedulerConfig{Timezone: "Mars/Olympus", GraceWindow: "-1h"},
		Executor:  ExecutorConfig{QueueSize: -1, Retry: RetryConfig{Strategy: "linear"}},
		Storage:   &StorageConfig{Driver: "postgres"},
		Stages:    []StageConfig{{Name: "a", Builtin: "noop"}, {Name: "a", Builtin: "noop"}},
		Jobs: []JobConfig{
			{ID: "x", Cron: "not a cron", Stages: []string{"a"}},
			{ID: "y", Cron: "@daily", Stages: []string{"missing"}},
			{ID: "y", Cron: "@daily", Stages: []string{"a"}},
		},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{
		"scheduler.timezone",
		"scheduler.grace_window",
		"executor.queue_size",
		"unknown retry strategy",
		"storage.driver",
		"duplicate stage",
		"jobs.x",
		`unknown stage "missing"`,
		"duplicate job id",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestNotifyMissedDefaultsOn(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte("notifier:\n  enabled: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Notifier.MissedEnabled() {
		t.Fatal("notify_missed should default to true")
	}
	cfg, err = Decode("c.yaml", []byte("notifier:\n  notify_missed: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Notifier.MissedEnabled() {
		t.Fatal("explicit notify_missed: false ignored")
	}
}

func TestRetryPolicyConversion(t *testing.T) {
	t.Parallel()
	p, err := RetryConfig{MaxAttempts: 4, Strategy: "Fixed", InitialDelay: "3s"}.Policy("r")
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxAttempts != 4 || p.Strategy != "fixed" || p.InitialDelay != 3*time.Second {
		t.Fatalf("policy = %+v", p)
	}
	if _, err := (RetryConfig{Jitter: 1.5}).Policy("r"); err == nil {
		t.Fatal("jitter 1.5 accepted")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	newCfg.Jobs[0].Cron = "0 7 * * 1-5"
	newCfg.Control.Token = "secret"
	// Reformatted raw JSON is not a change.
	newCfg.Stages[0].Config = []byte(`{ "url" : "https://example.com/feed" }`)

	changed, _, jobs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "control,jobs" {
		t.Fatalf("changed = %v", changed)
	}
	if len(jobs) != 1 || jobs[0] != "daily-brief" {
		t.Fatalf("jobs = %v", jobs)
	}
}

func TestDiffStagesComparesConfigCanonically(t *testing.T) {
	t.Parallel()
	base := []StageConfig{
		{Name: "fetch", Builtin: "http-fetch", Config: []byte(`{"url":"https://a","timeout":"5s"}`)},
		{Name: "note", Builtin: "noop"},
	}
	tests := []struct {
		name string
		next []StageConfig
		want string
	}{
		{"key order", []StageConfig{{Name: "fetch", Builtin: "http-fetch", Config: []byte(`{"timeout":"5s", "url":"https://a"}`)}, {Name: "note", Builtin: "noop"}}, ""},
		{"value", []StageConfig{{Name: "fetch", Builtin: "http-fetch", Config: []byte(`{"url":"https://b","timeout":"5s"}`)}, {Name: "note", Builtin: "noop"}}, "fetch"},
		{"invalid json", []StageConfig{{Name: "fetch", Builtin: "http-fetch", Config: []byte(`{"url":`)}, {Name: "note", Builtin: "noop"}}, "fetch"},
		{"removed", []StageConfig{base[0]}, "note"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := strings.Join(diffStages(base, tt.next), ","); got != tt.want {
				t.Fatalf("diffStages = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWatchPublishesValidReloads(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	m.SetLogger(logx.Nop())
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is rejected and never published.
	bad := strings.Replace(sampleYAML, "[fetch, summarize]", "[fetch, nope]", 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg.Jobs)
	default:
	}

	good := strings.Replace(sampleYAML, "0 6 * * 1-5", "0 8 * * *", 1)
	if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Jobs[0].Cron != "0 8 * * *" {
			t.Fatalf("cron = %q", cfg.Jobs[0].Cron)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload never published")
	}
	if m.Get().Jobs[0].Cron != "0 8 * * *" {
		t.Fatal("reload not committed")
	}
}
