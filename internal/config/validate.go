package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cadence/internal/clock"
	"cadence/internal/retry"
	"cadence/internal/workflow"
)

// Validate checks everything that can be checked without building services:
// durations, sizes, schedules, timezones, stage references and classifier
// patterns. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	s := cfg.Scheduler
	defLoc, err := clock.LoadLocation(s.Timezone, time.Local)
	if err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
		defLoc = time.Local
	}
	dur("scheduler.tick_interval", s.TickInterval)
	dur("scheduler.discontinuity_threshold", s.DiscontinuityThreshold)
	dur("scheduler.grace_window", s.GraceWindow)

	e := cfg.Executor
	if e.QueueSize < 0 {
		add(errors.New("executor.queue_size must be >= 0"))
	}
	if e.HistorySize < 0 {
		add(errors.New("executor.history_size must be >= 0"))
	}
	if e.OutputLimit < 0 {
		add(errors.New("executor.output_limit must be >= 0"))
	}
	dur("executor.execution_budget", e.ExecutionBudget)
	dur("executor.max_queue_delay", e.MaxQueueDelay)
	dur("executor.default_stage_timeout", e.DefaultStageTimeout)
	dur("executor.default_process_timeout", e.DefaultProcessTimeout)
	dur("executor.kill_grace", e.KillGrace)
	_, err = e.Retry.Policy("executor.retry")
	add(err)

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(st.Path) == "" {
				add(errors.New("storage.path is required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if st.Retain < 0 {
			add(errors.New("storage.retain must be >= 0"))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if n := cfg.Notifier; n != nil {
		if n.QueueSize < 0 || n.Burst < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			add(errors.New("notifier: sizes must be >= 0"))
		}
		if n.RatePerSec < 0 {
			add(errors.New("notifier.rate_per_sec must be >= 0"))
		}
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.send_timeout", n.SendTimeout)
		dur("notifier.dedup_window", n.DedupWindow)
		if w := n.Sinks.Webhook; w != nil {
			if u, err := url.Parse(strings.TrimSpace(w.URL)); err != nil || u.Scheme == "" || u.Host == "" {
				add(fmt.Errorf("notifier.sinks.webhook.url: invalid url %q", w.URL))
			}
		}
		if t := n.Sinks.Telegram; t != nil {
			if strings.TrimSpace(t.Token) == "" {
				add(errors.New("notifier.sinks.telegram.token is required"))
			}
			if t.ChatID == 0 {
				add(errors.New("notifier.sinks.telegram.chat_id is required"))
			}
		}
	}

	c := cfg.Control
	dur("control.read_timeout", c.ReadTimeout)
	dur("control.write_timeout", c.WriteTimeout)
	dur("control.idle_timeout", c.IdleTimeout)
	dur("control.heartbeat", c.Heartbeat)
	if c.TriggerRate < 0 || c.TriggerBurst < 0 {
		add(errors.New("control: trigger_rate and trigger_burst must be >= 0"))
	}

	if _, err := retry.NewClassifier(cfg.Signatures); err != nil {
		add(fmt.Errorf("signatures: %w", err))
	}

	stageNames := make(map[string]bool, len(cfg.Stages))
	for i, sc := range cfg.Stages {
		name := strings.TrimSpace(sc.Name)
		path := fmt.Sprintf("stages[%d]", i)
		if name == "" {
			add(fmt.Errorf("%s: name is required", path))
			continue
		}
		path = "stages." + name
		if stageNames[name] {
			add(fmt.Errorf("%s: duplicate stage", path))
		}
		stageNames[name] = true
		if len(sc.Command) == 0 && strings.TrimSpace(sc.Builtin) == "" {
			add(fmt.Errorf("%s: either builtin or command is required", path))
		}
		if len(sc.Command) > 0 && strings.TrimSpace(sc.Builtin) != "" {
			add(fmt.Errorf("%s: builtin and command are mutually exclusive", path))
		}
		dur(path+".timeout", sc.Timeout)
		dur(path+".process_timeout", sc.ProcessTimeout)
	}

	ids := make(map[string]bool, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		id := strings.TrimSpace(j.ID)
		path := fmt.Sprintf("jobs[%d]", i)
		if id == "" {
			add(fmt.Errorf("%s: id is required", path))
			continue
		}
		path = "jobs." + id
		if ids[id] {
			add(fmt.Errorf("%s: duplicate job id", path))
		}
		ids[id] = true
		if len(j.Stages) == 0 {
			add(fmt.Errorf("%s: at least one stage is required", path))
		}
		for _, name := range j.Stages {
			if !stageNames[strings.TrimSpace(name)] {
				add(fmt.Errorf("%s: unknown stage %q", path, name))
			}
		}
		if _, err := clock.Parse(j.Cron, j.Timezone, defLoc); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
		dur(path+".budget", j.Budget)
		_, err := j.Retry.Policy(path + ".retry")
		add(err)
	}

	return errors.Join(errs...)
}

// Policy converts the config form into a job retry policy.
func (r RetryConfig) Policy(path string) (workflow.RetryPolicy, error) {
	initial, err := ParseDurationField(path+".initial_delay", r.InitialDelay)
	if err != nil {
		return workflow.RetryPolicy{}, err
	}
	maxDelay, err := ParseDurationField(path+".max_delay", r.MaxDelay)
	if err != nil {
		return workflow.RetryPolicy{}, err
	}
	p := workflow.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		Strategy:     strings.ToLower(strings.TrimSpace(r.Strategy)),
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
	check := retry.Policy{
		MaxAttempts: p.MaxAttempts,
		Strategy:    p.Strategy,
		Multiplier:  p.Multiplier,
		Jitter:      p.Jitter,
	}
	if err := check.Validate(); err != nil {
		return workflow.RetryPolicy{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}
