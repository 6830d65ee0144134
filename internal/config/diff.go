package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"cadence/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe attrs for logging
// (tokens are never included), and the ids of jobs that were added, removed
// or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.grace_window", strings.TrimSpace(newCfg.Scheduler.GraceWindow)),
		)
	}

	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.queue_size", newCfg.Executor.QueueSize),
			logx.Int("executor.history_size", newCfg.Executor.HistorySize),
			logx.String("executor.execution_budget", strings.TrimSpace(newCfg.Executor.ExecutionBudget)),
		)
	}

	// Nil means disabled.
	var oDriver, nDriver, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oPath != nPath || !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := NotifierConfig{}
		if newCfg.Notifier != nil {
			n = *newCfg.Notifier
		}
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Bool("notifier.webhook", n.Sinks.Webhook != nil),
			logx.Bool("notifier.telegram", n.Sinks.Telegram != nil),
			logx.Bool("notifier.notify_missed", n.MissedEnabled()),
		)
	}

	if oldCfg.Control != newCfg.Control {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", newCfg.Control.Enabled),
			logx.String("control.addr", strings.TrimSpace(newCfg.Control.Addr)),
			logx.Bool("control.token_set", strings.TrimSpace(newCfg.Control.Token) != ""),
			logx.Bool("control.pprof", newCfg.Control.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Signatures, newCfg.Signatures) {
		changed = append(changed, "signatures")
		attrs = append(attrs, logx.Int("signatures.count", len(newCfg.Signatures)))
	}

	stagesChanged := diffStages(oldCfg.Stages, newCfg.Stages)
	if len(stagesChanged) > 0 {
		changed = append(changed, "stages")
		attrs = append(attrs, logx.Strings("stages.changed", stagesChanged))
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.enabled_count", countEnabled(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func countEnabled(jobs []JobConfig) int {
	n := 0
	for _, j := range jobs {
		if j.IsEnabled() {
			n++
		}
	}
	return n
}

func diffJobs(oldJ, newJ []JobConfig) []string {
	index := func(js []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.ID)] = j
		}
		return m
	}
	o, n := index(oldJ), index(newJ)

	set := map[string]struct{}{}
	for k := range o {
		set[k] = struct{}{}
	}
	for k := range n {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		oj, inOld := o[id]
		nj, inNew := n[id]
		if inOld != inNew || !reflect.DeepEqual(oj, nj) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func diffStages(oldS, newS []StageConfig) []string {
	// Stage config is raw JSON; compare it canonically so reformatting the
	// file doesn't count as a change.
	type key struct {
		def StageConfig
		raw string
	}
	index := func(ss []StageConfig) map[string]key {
		m := make(map[string]key, len(ss))
		for _, s := range ss {
			raw := canonicalJSON(s.Config)
			s.Config = json.RawMessage(nil)
			m[strings.TrimSpace(s.Name)] = key{def: s, raw: raw}
		}
		return m
	}
	o, n := index(oldS), index(newS)

	set := map[string]struct{}{}
	for k := range o {
		set[k] = struct{}{}
	}
	for k := range n {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		ok, inOld := o[name]
		nk, inNew := n[name]
		if inOld != inNew || ok.raw != nk.raw || !reflect.DeepEqual(ok.def, nk.def) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// canonicalJSON re-encodes raw so key order and whitespace drop out.
// Invalid JSON compares byte for byte.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
