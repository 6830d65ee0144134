package app

import (
	"runtime"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/executor"
	"cadence/internal/notifier"
	"cadence/internal/process"
	rtsup "cadence/internal/runtime/supervisor"
)

type Diagnostics struct {
	Uptime     string                    `json:"uptime"`
	Goroutines int                       `json:"goroutines"`
	Scheduler  bool                      `json:"scheduler_enabled"`
	Jobs       int                       `json:"jobs"`
	Executor   executor.Snapshot         `json:"executor"`
	Processes  []process.Info            `json:"processes"`
	Events     eventbus.Stats            `json:"events"`
	Notifier   []notifier.HistoryItem    `json:"notifications,omitempty"`
	Supervisor map[string]rtsup.Snapshot `json:"supervisors"`
}

func (a *App) Diagnostics() Diagnostics {
	d := Diagnostics{
		Goroutines: runtime.NumGoroutine(),
		Scheduler:  a.sched.Enabled(),
		Jobs:       len(a.sched.Jobs()),
		Executor:   a.exec.Snapshot(),
		Processes:  a.procs.Live(),
		Events:     a.bus.Stats(),
		Notifier:   a.notif.Snapshot(),
		Supervisor: map[string]rtsup.Snapshot{
			"app":       a.sup.Snapshot(),
			"executor":  a.exec.Supervisor().Snapshot(),
			"scheduler": a.sched.Supervisor().Snapshot(),
			"notifier":  a.notif.Supervisor().Snapshot(),
			"control":   a.ctrl.Supervisor().Snapshot(),
		},
	}
	if !a.started.IsZero() {
		d.Uptime = time.Since(a.started).Round(time.Second).String()
	}
	return d
}
