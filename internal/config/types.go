package config

import (
	"encoding/json"

	"cadence/internal/retry"
)

// Config is the on-disk configuration. YAML is coerced to JSON and decoded
// strictly, so every key below is also the YAML key.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`

	// Storage is optional; when omitted nothing is persisted.
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Control  ControlConfig   `json:"control"`

	// Signatures extend the built-in error classifier patterns.
	Signatures []retry.SignatureConfig `json:"signatures,omitempty"`
	Stages     []StageConfig           `json:"stages,omitempty"`
	Jobs       []JobConfig             `json:"jobs"`

	// WorkDir resolves relative paths used by stages (default: config dir).
	WorkDir string `json:"work_dir,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls when runs are requested.
//
// All durations are Go duration strings (e.g. "30s", "2h").
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "30s"
//   - discontinuity_threshold: "1m"
//   - grace_window: "2h"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone applies to jobs without their own (default: local).
	Timezone               string `json:"timezone,omitempty"`
	TickInterval           string `json:"tick_interval,omitempty"`
	DiscontinuityThreshold string `json:"discontinuity_threshold,omitempty"`
	GraceWindow            string `json:"grace_window,omitempty"`
	CatchUpOnStart         bool   `json:"catch_up_on_start,omitempty"`
}

// ExecutorConfig controls execution.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 64
//   - history_size: 200
//   - execution_budget: "1h"
//   - default_stage_timeout: "10m"
//   - default_process_timeout: "5m"
//   - max_queue_delay: "0s" (disabled)
type ExecutorConfig struct {
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`

	ExecutionBudget       string `json:"execution_budget,omitempty"`
	MaxQueueDelay         string `json:"max_queue_delay,omitempty"`
	DefaultStageTimeout   string `json:"default_stage_timeout,omitempty"`
	DefaultProcessTimeout string `json:"default_process_timeout,omitempty"`

	// Process manager settings.
	KillGrace   string `json:"kill_grace,omitempty"`
	OutputLimit int    `json:"output_limit,omitempty"`

	// Retry is the default policy for jobs that don't set their own.
	Retry RetryConfig `json:"retry"`
}

// RetryConfig is the config form of a retry policy. Zero fields inherit.
type RetryConfig struct {
	MaxAttempts  int     `json:"max_attempts,omitempty"`
	Strategy     string  `json:"strategy,omitempty"` // fixed | exponential
	InitialDelay string  `json:"initial_delay,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	Jitter       float64 `json:"jitter,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	storage: { driver: sqlite, path: ./cadence.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retain      int    `json:"retain,omitempty"`
}

// NotifierConfig controls operator notifications.
//
// If the whole section is omitted, notifications go to the log only.
type NotifierConfig struct {
	Enabled         bool    `json:"enabled"`
	QueueSize       int     `json:"queue_size,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	Burst           int     `json:"burst,omitempty"`
	RetryMax        int     `json:"retry_max,omitempty"`
	RetryBase       string  `json:"retry_base,omitempty"`
	RetryMaxDelay   string  `json:"retry_max_delay,omitempty"`
	SendTimeout     string  `json:"send_timeout,omitempty"`
	DedupWindow     string  `json:"dedup_window,omitempty"`
	DedupMaxEntries int     `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool    `json:"persist_dedup,omitempty"`

	NotifySuccess bool `json:"notify_success,omitempty"`
	// NotifyMissed is a pointer so an omitted key means true.
	NotifyMissed *bool `json:"notify_missed,omitempty"`

	Sinks SinksConfig `json:"sinks"`
}

// MissedEnabled reports the effective notify_missed value.
func (c NotifierConfig) MissedEnabled() bool {
	return c.NotifyMissed == nil || *c.NotifyMissed
}

type SinksConfig struct {
	// Log writes notifications to the daemon log (default true).
	Log      *bool           `json:"log,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// APIURL overrides the Bot API endpoint (self-hosted servers).
	APIURL string `json:"api_url,omitempty"`
}

// ControlConfig controls the local HTTP control API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:7878").
//   - A non-loopback address needs a token or allow_insecure.
type ControlConfig struct {
	Enabled       bool    `json:"enabled"`
	Addr          string  `json:"addr,omitempty"`
	Token         string  `json:"token,omitempty"` // do not log
	AllowInsecure bool    `json:"allow_insecure,omitempty"`
	ReadTimeout   string  `json:"read_timeout,omitempty"`
	WriteTimeout  string  `json:"write_timeout,omitempty"`
	IdleTimeout   string  `json:"idle_timeout,omitempty"`
	Pprof         bool    `json:"pprof,omitempty"`
	TriggerRate   float64 `json:"trigger_rate,omitempty"`
	TriggerBurst  int     `json:"trigger_burst,omitempty"`
	Heartbeat     string  `json:"heartbeat,omitempty"`
}

// StageConfig defines a named stage: either a builtin or a command.
type StageConfig struct {
	Name    string          `json:"name"`
	Builtin string          `json:"builtin,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`

	Command     []string `json:"command,omitempty"`
	Dir         string   `json:"dir,omitempty"`
	Env         []string `json:"env,omitempty"`
	PTY         bool     `json:"pty,omitempty"`
	Stdin       string   `json:"stdin,omitempty"`
	SideChannel string   `json:"side_channel,omitempty"`

	Timeout        string `json:"timeout,omitempty"`
	ProcessTimeout string `json:"process_timeout,omitempty"`
}

// JobConfig is one scheduled workflow.
type JobConfig struct {
	ID       string   `json:"id"`
	Stages   []string `json:"stages"`
	Cron     string   `json:"cron"`
	Timezone string   `json:"timezone,omitempty"`
	// Enabled is a pointer so an omitted key means true.
	Enabled *bool       `json:"enabled,omitempty"`
	Budget  string      `json:"budget,omitempty"`
	Retry   RetryConfig `json:"retry"`
}

func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }
