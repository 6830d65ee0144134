package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cadence/internal/clock"
	"cadence/internal/eventbus"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/storage"
	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

type entry struct {
	job   workflow.Job
	sched clock.Schedule
}

// Service owns the job set and produces run requests. It never waits for an
// execution to finish.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	defs    []workflow.Job

	log   logx.Logger
	bus   eventbus.Bus
	clk   clock.Clock
	exec  Enqueuer
	store storage.Store

	// tickMu serializes ticks; the detector is not safe for concurrent use.
	tickMu sync.Mutex
	det    *clock.Detector

	sup    *rtsup.Supervisor
	stopCh chan struct{}

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, clk clock.Clock, exec Enqueuer, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	if bus == nil {
		bus = eventbus.New(0)
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:         cfg,
		entries:     map[string]*entry{},
		log:         log,
		bus:         bus,
		clk:         clk,
		exec:        exec,
		store:       store,
		det:         clock.NewDetector(clk, cfg.DiscontinuityThreshold),
		lastEnqWarn: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the loop settings. A default timezone change re-resolves every
// job that relies on it.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	defs := append([]workflow.Job(nil), s.defs...)
	s.mu.Unlock()

	if prev.DiscontinuityThreshold != cfg.DiscontinuityThreshold {
		s.tickMu.Lock()
		s.det = clock.NewDetector(s.clk, cfg.DiscontinuityThreshold)
		s.det.Observe()
		s.tickMu.Unlock()
	}
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		return s.SetJobs(defs)
	}
	return nil
}

// Compile validates jobs against the current default timezone without
// installing them.
func (s *Service) Compile(jobs []workflow.Job) error {
	s.mu.Lock()
	tz := s.cfg.Timezone
	s.mu.Unlock()
	_, err := compile(jobs, tz)
	return err
}

func compile(jobs []workflow.Job, defTZ string) (map[string]*entry, error) {
	def, err := clock.LoadLocation(defTZ, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone: %w", err)
	}
	out := make(map[string]*entry, len(jobs))
	for _, j := range jobs {
		id := strings.TrimSpace(j.ID)
		if id == "" {
			return nil, errors.New("job id required")
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("duplicate job %q", id)
		}
		if len(j.Stages) == 0 {
			return nil, fmt.Errorf("job %q: at least one stage required", id)
		}
		sched, err := clock.Parse(j.Cron, j.Timezone, def)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", id, err)
		}
		j.ID = id
		out[id] = &entry{job: j, sched: sched}
	}
	return out, nil
}

// SetJobs replaces the job set atomically. LastRun survives for jobs that
// keep their id, and NextRun is recomputed from now.
func (s *Service) SetJobs(jobs []workflow.Job) error {
	s.mu.Lock()
	tz := s.cfg.Timezone
	s.mu.Unlock()
	next, err := compile(jobs, tz)
	if err != nil {
		return err
	}
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range next {
		if old, ok := s.entries[id]; ok {
			e.job.LastRun = old.job.LastRun
		}
		e.job.NextRun = e.sched.Next(later(now, e.job.LastRun))
	}
	s.entries = next
	s.defs = append([]workflow.Job(nil), jobs...)
	return nil
}

// Job implements the executor's catalog.
func (s *Service) Job(id string) (workflow.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return workflow.Job{}, false
	}
	return cloneJob(e.job), true
}

// Jobs lists every job sorted by id.
func (s *Service) Jobs() []workflow.Job {
	s.mu.Lock()
	out := make([]workflow.Job, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneJob(e.job))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Preview lists the next n fire times of a job.
func (s *Service) Preview(id string, n int) ([]time.Time, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	var sched clock.Schedule
	if ok {
		sched = e.sched
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return sched.Preview(s.clk.Now(), n), nil
}

func cloneJob(j workflow.Job) workflow.Job {
	j.Stages = append([]string(nil), j.Stages...)
	return j
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Start primes the discontinuity detector, runs the startup catch-up and
// launches the tick loop. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil || !s.cfg.Enabled {
		enabled := s.cfg.Enabled
		s.mu.Unlock()
		if !enabled {
			s.log.Info("scheduler disabled; jobs run only on manual trigger")
		}
		return
	}
	cfg := s.cfg
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))))
	sup, stopCh := s.sup, s.stopCh
	n := len(s.entries)
	s.mu.Unlock()

	s.tickMu.Lock()
	s.det.Observe()
	s.tickMu.Unlock()

	if cfg.CatchUpOnStart {
		s.catchUp(ctx, cfg)
	}

	sup.GoRestart("tick", func(c context.Context) error {
		return s.loop(c, stopCh)
	})
	s.log.Info("scheduler started", logx.Int("jobs", n), logx.Duration("tick", cfg.TickInterval), logx.Duration("grace", cfg.GraceWindow))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	stopCh, sup := s.stopCh, s.sup
	s.stopCh, s.sup = nil, nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("scheduler stop", logx.Err(err))
		}
	}
	s.saveTick(s.clk.Now())
	s.log.Info("scheduler stopped")
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) error {
	for {
		s.mu.Lock()
		every := s.cfg.TickInterval
		s.mu.Unlock()

		t := time.NewTimer(every)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-stopCh:
			t.Stop()
			return nil
		case <-t.C:
		}
		s.Tick()
	}
}

// Tick evaluates every enabled job once. On a wall-clock discontinuity it
// scans for missed fire times instead of firing due jobs, so one slot is
// never requested twice.
func (s *Service) Tick() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.clk.Now()
	jump, disc := s.det.Observe()

	s.mu.Lock()
	grace := s.cfg.GraceWindow
	var reqs []workflow.RunRequest
	for _, id := range sortedIDs(s.entries) {
		e := s.entries[id]
		if !e.job.Enabled {
			continue
		}
		if disc {
			if hit, ok := e.sched.MissedSince(later(jump.From, e.job.LastRun), now, grace); ok {
				reqs = append(reqs, workflow.RunRequest{JobID: id, Trigger: workflow.TriggerMissed, EnqueuedAt: now, FireTime: hit})
				e.job.LastRun = hit
			}
			e.job.NextRun = e.sched.Next(later(now, e.job.LastRun))
			continue
		}
		if e.job.NextRun.IsZero() || now.Before(e.job.NextRun) {
			continue
		}
		reqs = append(reqs, workflow.RunRequest{JobID: id, Trigger: workflow.TriggerScheduled, EnqueuedAt: now, FireTime: e.job.NextRun})
		e.job.LastRun = e.job.NextRun
		e.job.NextRun = e.sched.Next(later(now, e.job.LastRun))
	}
	s.mu.Unlock()

	if disc {
		var missed []string
		for _, r := range reqs {
			missed = append(missed, r.JobID)
		}
		s.log.Warn("clock discontinuity detected",
			logx.Time("from", jump.From),
			logx.Time("to", jump.To),
			logx.Duration("drift", jump.Drift()),
			logx.Int("missed", len(missed)),
		)
		s.bus.Publish(eventbus.Event{Type: EventClockJump, Time: now, Data: ClockJumpEvent{
			From: jump.From, To: jump.To, Drift: jump.Drift(), Missed: missed,
		}})
	}

	s.dispatch(reqs)
	s.saveTick(now)
}

// catchUp covers fire times that passed while the process was not running.
func (s *Service) catchUp(ctx context.Context, cfg Config) {
	if s.store == nil {
		return
	}
	last, ok, err := s.store.GetMark(ctx, storage.MarkSchedulerTick)
	if err != nil {
		s.log.Warn("catch-up skipped: reading last tick failed", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	now := s.clk.Now()

	s.mu.Lock()
	var reqs []workflow.RunRequest
	for _, id := range sortedIDs(s.entries) {
		e := s.entries[id]
		if !e.job.Enabled {
			continue
		}
		if hit, ok := e.sched.MissedSince(later(last, e.job.LastRun), now, cfg.GraceWindow); ok {
			reqs = append(reqs, workflow.RunRequest{JobID: id, Trigger: workflow.TriggerMissed, EnqueuedAt: now, FireTime: hit})
			e.job.LastRun = hit
			e.job.NextRun = e.sched.Next(later(now, hit))
		}
	}
	s.mu.Unlock()

	if len(reqs) > 0 {
		s.log.Info("startup catch-up", logx.Time("last_tick", last), logx.Int("missed", len(reqs)))
	}
	s.dispatch(reqs)
}

func (s *Service) dispatch(reqs []workflow.RunRequest) {
	for _, r := range reqs {
		if s.exec == nil {
			continue
		}
		s.log.Debug("run requested", logx.String("job", r.JobID), logx.String("trigger", string(r.Trigger)), logx.Time("fire_time", r.FireTime))
		s.reportEnqueueError(r.JobID, s.exec.Enqueue(r))
	}
}

func (s *Service) saveTick(now time.Time) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.store.PutMark(ctx, storage.MarkSchedulerTick, now); err != nil {
		s.log.Debug("tick mark not saved", logx.Err(err))
	}
}

func sortedIDs(m map[string]*entry) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Supervisor exposes the internal supervisor for diagnostics (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}
