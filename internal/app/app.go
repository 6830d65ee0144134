package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/clock"
	"cadence/internal/config"
	"cadence/internal/control"
	"cadence/internal/eventbus"
	"cadence/internal/executor"
	"cadence/internal/notifier"
	"cadence/internal/pipeline"
	"cadence/internal/process"
	"cadence/internal/retry"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/scheduler"
	"cadence/internal/stages"
	"cadence/internal/storage"
	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	procs  *process.Manager
	reg    *stages.Registry
	runner *pipeline.Runner
	exec   *executor.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	ctrl   *control.Service

	started time.Time
}

// Options override collaborators, mainly for tests.
type Options struct {
	Clock clock.Clock
	// Logger, when set, replaces the configured log sinks.
	Logger *logx.Logger
}

// New loads cfgPath and builds every service. Nothing runs until Start.
func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	if opts.Logger != nil {
		log = *opts.Logger
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	bus := eventbus.New(256)

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a, err := build(cfg, log, clk, bus, store)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

func build(cfg *config.Config, log logx.Logger, clk clock.Clock, bus eventbus.Bus, store storage.Store) (*App, error) {
	cls, err := retry.NewClassifier(cfg.Signatures)
	if err != nil {
		return nil, fmt.Errorf("signatures: %w", err)
	}

	pcfg, err := mapProcessConfig(cfg)
	if err != nil {
		return nil, err
	}
	procs := process.NewManager(pcfg, log.With(logx.String("comp", "process")))

	reg := stages.NewRegistry(cfg.WorkDir, log)
	defs, err := mapStageDefinitions(cfg)
	if err != nil {
		return nil, err
	}
	if err := reg.Apply(defs); err != nil {
		return nil, err
	}

	rcfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	runner := pipeline.NewRunner(rcfg, procs, cls, log.With(logx.String("comp", "pipeline")))

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	ecfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		log:    log.With(logx.String("comp", "app")),
		bus:    bus,
		store:  store,
		procs:  procs,
		reg:    reg,
		runner: runner,
	}

	// The scheduler enqueues into the executor and the executor looks jobs
	// up in the scheduler's catalog.
	var sched *scheduler.Service
	a.exec = executor.New(ecfg, executor.Deps{
		Jobs:   catalogFunc(func() executor.Catalog { return sched }),
		Stages: reg,
		Runner: runner,
		Store:  store,
		Bus:    bus,
		Clock:  clk,
	}, log.With(logx.String("comp", "executor")))
	sched = scheduler.New(scfg, clk, a.exec, store, bus, log.With(logx.String("comp", "scheduler")))
	a.sched = sched

	jobs, err := mapJobs(cfg)
	if err != nil {
		return nil, err
	}
	if err := checkJobStages(reg, nil, jobs); err != nil {
		return nil, err
	}
	if err := sched.SetJobs(jobs); err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	sinks, err := buildSinks(cfg, log)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, sinks, bus, store, log.With(logx.String("comp", "notifier")))

	ccfg, err := mapControlConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ctrl = control.New(ccfg, control.Deps{
		Runs:        a.exec,
		Jobs:        sched,
		Bus:         bus,
		Diagnostics: func() any { return a.Diagnostics() },
	}, log.With(logx.String("comp", "control")))

	return a, nil
}

// catalogFunc defers the catalog lookup so the executor and scheduler can
// reference each other.
type catalogFunc func() executor.Catalog

func (f catalogFunc) Job(id string) (workflow.Job, bool) { return f().Job(id) }

func (a *App) Executor() *executor.Service   { return a.exec }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Control() *control.Service     { return a.ctrl }
func (a *App) Bus() eventbus.Bus             { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(a.validate)
	}

	// Executions left running by a previous process are closed out before
	// anything new can start.
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	n, err := a.exec.Reconcile(rctx)
	cancel()
	if err != nil {
		a.log.Warn("startup reconciliation failed", logx.Err(err))
	} else if n > 0 {
		a.log.Warn("marked abandoned executions", logx.Int("count", n))
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.exec.Start(a.sup.Context())
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.ctrl.Enabled() {
		a.ctrl.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Uint64("seq", e.Seq))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			last := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return nil
				case next, ok := <-sub:
					if !ok {
						return nil
					}
					// Coalesce bursts: only the newest config matters.
					for drained := false; !drained; {
						select {
						case newer := <-sub:
							if newer != nil {
								next = newer
							}
						default:
							drained = true
						}
					}
					a.applyConfig(c, last, next)
					last = next
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	startWatchdog(a.sup, a.log)
	notifyReady(a.log)
	a.log.Info("app started",
		logx.Int("jobs", len(a.sched.Jobs())),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("control", a.ctrl.Enabled()),
	)
	return nil
}

// validate is the transactional check run before a reloaded config is
// committed: everything that would fail when applied must fail here.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := retry.NewClassifier(cfg.Signatures); err != nil {
		return fmt.Errorf("signatures: %w", err)
	}
	defs, err := mapStageDefinitions(cfg)
	if err != nil {
		return err
	}
	compiled, err := a.reg.Compile(defs)
	if err != nil {
		return err
	}
	jobs, err := mapJobs(cfg)
	if err != nil {
		return err
	}
	if err := checkJobStages(a.reg, compiled, jobs); err != nil {
		return err
	}
	if err := a.sched.Compile(jobs); err != nil {
		return err
	}
	if _, err := buildSinks(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, err := mapControlConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

func checkJobStages(reg *stages.Registry, compiled map[string]pipeline.Stage, jobs []workflow.Job) error {
	var errs []error
	for _, j := range jobs {
		if err := reg.Check(compiled, j.Stages); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
		}
	}
	return errors.Join(errs...)
}

// applyConfig fans a validated config out to the running services.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, jobsChanged := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if changed("logging") && a.logs != nil {
		a.logs.Apply(mapLogConfig(next))
	}
	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if changed("signatures") || changed("executor") {
		cls, err := retry.NewClassifier(next.Signatures)
		rcfg, rerr := mapRunnerConfig(next)
		if err == nil && rerr == nil {
			a.runner.Apply(rcfg, cls)
		}
		if pcfg, err := mapProcessConfig(next); err == nil {
			a.procs.Apply(pcfg)
		}
	}
	if changed("executor") {
		if ecfg, err := mapExecutorConfig(next); err != nil {
			a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
		} else {
			a.exec.Apply(ecfg)
		}
	}

	// Stages before jobs so new jobs never reference a missing stage.
	if changed("stages") {
		defs, err := mapStageDefinitions(next)
		if err == nil {
			err = a.reg.Apply(defs)
		}
		if err != nil {
			a.log.Warn("stage definitions rejected; keeping previous", logx.Err(err))
		}
	}

	if changed("scheduler") || changed("jobs") {
		prevEnabled := a.sched.Enabled()
		if scfg, err := mapSchedulerConfig(next); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else if err := a.sched.Apply(scfg); err != nil {
			a.log.Warn("scheduler config rejected; keeping previous", logx.Err(err))
		}
		if jobs, err := mapJobs(next); err != nil {
			a.log.Warn("invalid jobs; keeping previous", logx.Err(err))
		} else if err := a.sched.SetJobs(jobs); err != nil {
			a.log.Warn("jobs rejected; keeping previous", logx.Err(err))
		} else if len(jobsChanged) > 0 {
			a.log.Info("jobs updated", logx.Strings("jobs", jobsChanged))
		}
		switch now := a.sched.Enabled(); {
		case prevEnabled && !now:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
			a.log.Info("scheduler disabled via config")
		case !prevEnabled && now:
			a.sched.Start(ctx)
			a.log.Info("scheduler enabled via config")
		}
	}

	if changed("notifier") {
		ncfg, err := mapNotifierConfig(next)
		var sinks []notifier.Sink
		if err == nil {
			sinks, err = buildSinks(next, a.log)
		}
		if err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			prevEnabled := a.notif.Enabled()
			a.notif.Apply(ncfg, sinks)
			switch {
			case prevEnabled && !ncfg.Enabled:
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !prevEnabled && ncfg.Enabled:
				a.notif.Start(ctx)
			}
		}
	}

	if changed("control") {
		if ccfg, err := mapControlConfig(next); err != nil {
			a.log.Warn("invalid control config; keeping previous", logx.Err(err))
		} else {
			a.ctrl.Reconfigure(ctx, ccfg)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts services down in dependency order: stop producing runs, stop
// the API, finish executions, flush notifications, then close storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	notifyStopping(a.log)
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("panic in stop step", logx.String("name", name), logx.Any("panic", r))
				}
			}()
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 2*time.Second, a.sched.Stop)
	step("control", 2*time.Second, a.ctrl.Stop)
	step("executor", 10*time.Second, a.exec.Stop)
	step("process", 5*time.Second, a.procs.Close)
	step("notifier", 3*time.Second, a.notif.Stop)
	step("storage", time.Second, func(context.Context) {
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.log.Warn("storage close", logx.Err(err))
			}
		}
	})
	step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
