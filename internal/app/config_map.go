package app

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/control"
	"cadence/internal/executor"
	"cadence/internal/notifier"
	"cadence/internal/pipeline"
	"cadence/internal/process"
	"cadence/internal/retry"
	"cadence/internal/scheduler"
	"cadence/internal/stages"
	"cadence/internal/storage"
	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

// Mapping functions assume cfg already passed config.Validate; duration
// parse errors are still returned rather than silently zeroed.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	tick, err := config.ParseDurationField("scheduler.tick_interval", s.TickInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	threshold, err := config.ParseDurationField("scheduler.discontinuity_threshold", s.DiscontinuityThreshold)
	if err != nil {
		return scheduler.Config{}, err
	}
	grace, err := config.ParseDurationField("scheduler.grace_window", s.GraceWindow)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:                s.Enabled,
		Timezone:               strings.TrimSpace(s.Timezone),
		TickInterval:           tick,
		DiscontinuityThreshold: threshold,
		GraceWindow:            grace,
		CatchUpOnStart:         s.CatchUpOnStart,
	}, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	e := cfg.Executor
	budget, err := config.ParseDurationField("executor.execution_budget", e.ExecutionBudget)
	if err != nil {
		return executor.Config{}, err
	}
	delay, err := config.ParseDurationField("executor.max_queue_delay", e.MaxQueueDelay)
	if err != nil {
		return executor.Config{}, err
	}
	rp, err := e.Retry.Policy("executor.retry")
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		QueueSize:     e.QueueSize,
		HistorySize:   e.HistorySize,
		Budget:        budget,
		MaxQueueDelay: delay,
		Retry:         retry.Resolve(rp, retry.DefaultPolicy),
	}, nil
}

func mapRunnerConfig(cfg *config.Config) (pipeline.Config, error) {
	e := cfg.Executor
	stage, err := config.ParseDurationField("executor.default_stage_timeout", e.DefaultStageTimeout)
	if err != nil {
		return pipeline.Config{}, err
	}
	proc, err := config.ParseDurationField("executor.default_process_timeout", e.DefaultProcessTimeout)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{StageTimeout: stage, ProcessTimeout: proc, OutputLimit: e.OutputLimit}, nil
}

func mapProcessConfig(cfg *config.Config) (process.Config, error) {
	grace, err := config.ParseDurationField("executor.kill_grace", cfg.Executor.KillGrace)
	if err != nil {
		return process.Config{}, err
	}
	return process.Config{OutputLimit: cfg.Executor.OutputLimit, KillGrace: grace}, nil
}

// mapStorageConfig reports enabled=false when the section is omitted or the
// driver is "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	if !filepath.IsAbs(path) && cfg.WorkDir != "" {
		path = filepath.Join(cfg.WorkDir, path)
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	if busy <= 0 {
		busy = time.Second
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retain: sc.Retain}, true, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		// Log-only by default so failures are at least visible in the journal.
		return notifier.Config{Enabled: true, NotifyMissed: true, DedupWindow: time.Minute}, nil
	}
	var err error
	parse := func(path, raw string) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = config.ParseDurationField(path, raw)
		return d
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		Burst:           n.Burst,
		RetryMax:        n.RetryMax,
		RetryBase:       parse("notifier.retry_base", n.RetryBase),
		RetryMaxDelay:   parse("notifier.retry_max_delay", n.RetryMaxDelay),
		SendTimeout:     parse("notifier.send_timeout", n.SendTimeout),
		DedupWindow:     parse("notifier.dedup_window", n.DedupWindow),
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		NotifySuccess:   n.NotifySuccess,
		NotifyMissed:    n.MissedEnabled(),
	}
	return out, err
}

// buildSinks constructs the notifier sinks. The log sink is on unless
// explicitly disabled.
func buildSinks(cfg *config.Config, log logx.Logger) ([]notifier.Sink, error) {
	var sc config.SinksConfig
	if cfg.Notifier != nil {
		sc = cfg.Notifier.Sinks
	}
	var out []notifier.Sink
	if sc.Log == nil || *sc.Log {
		out = append(out, notifier.NewLogSink(log.With(logx.String("comp", "notify.log"))))
	}
	client := &http.Client{Timeout: 15 * time.Second}
	if w := sc.Webhook; w != nil {
		s, err := notifier.NewWebhookSink(w.URL, w.Headers, client)
		if err != nil {
			return nil, fmt.Errorf("notifier.sinks.webhook: %w", err)
		}
		out = append(out, s)
	}
	if t := sc.Telegram; t != nil {
		s, err := notifier.NewTelegramSink(notifier.TelegramConfig{
			Token:    t.Token,
			ChatID:   t.ChatID,
			ThreadID: t.ThreadID,
			URL:      t.APIURL,
		}, client)
		if err != nil {
			return nil, fmt.Errorf("notifier.sinks.telegram: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func mapControlConfig(cfg *config.Config) (control.Config, error) {
	c := cfg.Control
	var err error
	parse := func(path, raw string) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = config.ParseDurationField(path, raw)
		return d
	}
	out := control.Config{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		ReadTimeout:   parse("control.read_timeout", c.ReadTimeout),
		WriteTimeout:  parse("control.write_timeout", c.WriteTimeout),
		IdleTimeout:   parse("control.idle_timeout", c.IdleTimeout),
		Pprof:         c.Pprof,
		TriggerRate:   c.TriggerRate,
		TriggerBurst:  c.TriggerBurst,
		Heartbeat:     parse("control.heartbeat", c.Heartbeat),
	}
	return out, err
}

func mapStageDefinitions(cfg *config.Config) ([]stages.Definition, error) {
	out := make([]stages.Definition, 0, len(cfg.Stages))
	for _, s := range cfg.Stages {
		name := strings.TrimSpace(s.Name)
		timeout, err := config.ParseDurationField("stages."+name+".timeout", s.Timeout)
		if err != nil {
			return nil, err
		}
		ptimeout, err := config.ParseDurationField("stages."+name+".process_timeout", s.ProcessTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, stages.Definition{
			Name:           name,
			Builtin:        strings.TrimSpace(s.Builtin),
			Config:         s.Config,
			Command:        append([]string(nil), s.Command...),
			Dir:            s.Dir,
			Env:            append([]string(nil), s.Env...),
			PTY:            s.PTY,
			Stdin:          s.Stdin,
			SideChannel:    s.SideChannel,
			Timeout:        timeout,
			ProcessTimeout: ptimeout,
		})
	}
	return out, nil
}

func mapJobs(cfg *config.Config) ([]workflow.Job, error) {
	out := make([]workflow.Job, 0, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		id := strings.TrimSpace(j.ID)
		budget, err := config.ParseDurationField("jobs."+id+".budget", j.Budget)
		if err != nil {
			return nil, err
		}
		rp, err := j.Retry.Policy("jobs." + id + ".retry")
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(j.Stages))
		for _, n := range j.Stages {
			names = append(names, strings.TrimSpace(n))
		}
		out = append(out, workflow.Job{
			ID:       id,
			Stages:   names,
			Cron:     strings.TrimSpace(j.Cron),
			Timezone: strings.TrimSpace(j.Timezone),
			Enabled:  j.IsEnabled(),
			Budget:   budget,
			Retry:    rp,
		})
	}
	return out, nil
}
