package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cadence/internal/clock"
	"cadence/internal/eventbus"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/storage"
	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service admits run requests and drives each admitted execution through the
// pipeline runner.
//
// Requests flow through one bounded queue with a single consumer; executions
// for different jobs then run concurrently, but never two for the same job.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	clk clock.Clock

	jobs   Catalog
	stages StageResolver
	runner Runner
	store  storage.Store

	q chan workflow.RunRequest

	sup      *rtsup.Supervisor
	runCtx   context.Context
	stopCh   chan struct{}
	stopDone chan struct{}
	inflight sync.WaitGroup

	// stateMu guards running, history and last. It is only held to read or
	// mutate those structures, never across a stage, a store write or a publish.
	stateMu sync.Mutex
	running map[string]*workflow.Execution
	history []workflow.Execution // completion order, oldest first
	last    map[string]workflow.Execution

	started          atomic.Uint64
	skipped          atomic.Uint64
	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

// Deps are the collaborators of the executor. Store may be nil.
type Deps struct {
	Jobs   Catalog
	Stages StageResolver
	Runner Runner
	Store  storage.Store
	Bus    eventbus.Bus
	Clock  clock.Clock
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New(0)
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     deps.Bus,
		clk:     deps.Clock,
		jobs:    deps.Jobs,
		stages:  deps.Stages,
		runner:  deps.Runner,
		store:   deps.Store,
		running: map[string]*workflow.Execution{},
		last:    map[string]workflow.Execution{},
	}
}

// Apply swaps tunables. The queue keeps its capacity until the next restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if prev.QueueSize != cfg.QueueSize {
		s.log.Info("executor queue size change takes effect on restart", logx.Int("queue_size", cfg.QueueSize))
	}
	s.stateMu.Lock()
	s.trimHistoryLocked(cfg.HistorySize)
	s.stateMu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the queue consumer. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan workflow.RunRequest, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "executor"))),
		rtsup.WithCancelOnError(false),
	)
	s.runCtx = s.sup.Context()
	sup, queue, stopCh := s.sup, s.q, s.stopCh
	s.mu.Unlock()

	sup.GoRestart("consumer", func(c context.Context) error {
		s.consume(c, stopCh, queue)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("consumer exited unexpectedly")
	})

	s.log.Info("executor started", logx.Int("queue", cap(queue)), logx.Int("history", cfg.HistorySize))
}

// Stop cancels every running execution (which kills their subprocesses) and
// waits for them to record their outcome.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	stopCh, sup := s.stopCh, s.sup
	done := make(chan struct{})
	s.stopDone = done
	s.mu.Unlock()

	close(stopCh)
	if sup != nil {
		sup.Cancel()
	}

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.log.Warn("executor stop timed out with executions still running", logx.Err(ctx.Err()))
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("executor supervisor stop", logx.Err(err))
		}
	}

	s.mu.Lock()
	s.stopCh = nil
	s.sup = nil
	s.q = nil
	s.stopDone = nil
	s.mu.Unlock()
	close(done)
	s.log.Info("executor stopped")
}

// Supervisor exposes the internal supervisor for diagnostics (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Enqueue hands a scheduled or missed request to the consumer without
// blocking. A full queue drops the request.
func (s *Service) Enqueue(req workflow.RunRequest) error {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = s.clk.Now()
	}
	s.mu.Lock()
	q, stopCh := s.q, s.stopCh
	s.mu.Unlock()
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	select {
	case <-stopCh:
		return ErrStopped
	default:
	}
	select {
	case q <- req:
		return nil
	default:
		s.onQueueFullDropped(req, q)
		return ErrQueueFull
	}
}

// Trigger starts a manual execution right away and returns its id.
func (s *Service) Trigger(ctx context.Context, jobID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	runCtx, ok := s.reserve()
	if !ok {
		return "", ErrStopped
	}
	req := workflow.RunRequest{JobID: jobID, Trigger: workflow.TriggerManual, EnqueuedAt: s.clk.Now()}
	job, exec, err := s.admit(req)
	if err != nil {
		s.inflight.Done()
		return "", err
	}
	s.launch(runCtx, job, exec)
	return exec.ID, nil
}

// reserve counts a new execution as in flight unless Stop has begun. The
// check and the count share s.mu so Stop never waits on a stale count.
func (s *Service) reserve() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil || s.stopDone != nil {
		return nil, false
	}
	s.inflight.Add(1)
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, true
}

func (s *Service) consume(ctx context.Context, stopCh <-chan struct{}, q <-chan workflow.RunRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case req := <-q:
			s.handle(req)
		}
	}
}

func (s *Service) handle(req workflow.RunRequest) {
	cfg := s.config()
	now := s.clk.Now()
	if cfg.MaxQueueDelay > 0 && req.Trigger == workflow.TriggerScheduled {
		if delay := now.Sub(req.EnqueuedAt); delay > cfg.MaxQueueDelay {
			s.onStaleDropped(req, delay)
			return
		}
	}

	runCtx, ok := s.reserve()
	if !ok {
		s.log.Debug("run ignored: executor stopping", logx.String("job", req.JobID))
		return
	}
	job, exec, err := s.admit(req)
	if err != nil {
		s.inflight.Done()
	}
	switch {
	case err == nil:
		s.launch(runCtx, job, exec)
	case errors.Is(err, ErrAlreadyRunning):
		s.skipped.Add(1)
		s.bus.Publish(eventbus.Event{Type: workflow.EventSkipped, Time: now, Data: workflow.RunEvent{
			JobID: req.JobID, Trigger: req.Trigger, At: now, Reason: "already_running",
		}})
		s.log.Info("run skipped: job still running", logx.String("job", req.JobID), logx.String("trigger", string(req.Trigger)))
	case errors.Is(err, ErrDisabled):
		s.log.Debug("run ignored: job disabled", logx.String("job", req.JobID))
	default:
		s.log.Warn("run rejected", logx.String("job", req.JobID), logx.Err(err))
	}
}

// admit reserves the job's running slot and creates the Execution.
func (s *Service) admit(req workflow.RunRequest) (workflow.Job, *workflow.Execution, error) {
	job, ok := s.jobs.Job(req.JobID)
	if !ok {
		return workflow.Job{}, nil, fmt.Errorf("%w: %s", ErrUnknownJob, req.JobID)
	}
	if !job.Enabled && req.Trigger != workflow.TriggerManual {
		return job, nil, ErrDisabled
	}
	exec := &workflow.Execution{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Trigger:   req.Trigger,
		StartedAt: s.clk.Now(),
		Status:    workflow.StatusRunning,
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if _, busy := s.running[job.ID]; busy {
		return job, nil, ErrAlreadyRunning
	}
	s.running[job.ID] = exec
	return job, exec, nil
}

// launch runs exec on a slot already taken by reserve.
func (s *Service) launch(ctx context.Context, job workflow.Job, exec *workflow.Execution) {
	s.started.Add(1)
	go func() {
		defer s.inflight.Done()
		s.execute(ctx, job, exec)
	}()
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFullDropped(req workflow.RunRequest, q chan workflow.RunRequest) {
	now := s.clk.Now()
	s.dropped.Add(1)
	s.droppedQueueFull.Add(1)
	s.bus.Publish(eventbus.Event{Type: workflow.EventDropped, Time: now, Data: workflow.RunEvent{
		JobID: req.JobID, Trigger: req.Trigger, At: now, Reason: "queue_full",
	}})
	if s.shouldWarn(&s.lastQueueFullWarnAt, time.Now()) {
		s.log.Warn("run dropped: queue full",
			logx.String("job", req.JobID),
			logx.String("trigger", string(req.Trigger)),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStaleDropped(req workflow.RunRequest, delay time.Duration) {
	now := s.clk.Now()
	s.dropped.Add(1)
	s.droppedStale.Add(1)
	s.bus.Publish(eventbus.Event{Type: workflow.EventDropped, Time: now, Data: workflow.RunEvent{
		JobID: req.JobID, Trigger: req.Trigger, At: now, Reason: "stale",
	}})
	if s.shouldWarn(&s.lastStaleWarnAt, time.Now()) {
		s.log.Warn("run dropped: stale queue",
			logx.String("job", req.JobID),
			logx.Duration("queue_delay", delay),
			logx.Uint64("dropped_stale", s.droppedStale.Load()),
		)
	}
}

// Snapshot returns a diagnostics view.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q := s.q
	cfg := s.cfg
	s.mu.Unlock()

	snap := Snapshot{
		HistoryCap:  cfg.HistorySize,
		Started:     s.started.Load(),
		Skipped:     s.skipped.Load(),
		Dropped:     s.dropped.Load(),
		DroppedFull: s.droppedQueueFull.Load(),
		DroppedOld:  s.droppedStale.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.stateMu.Lock()
	for id, e := range s.running {
		cp := e.Clone()
		snap.Running = append(snap.Running, workflow.StatusFor(id, &cp))
	}
	snap.HistoryLen = len(s.history)
	s.stateMu.Unlock()
	return snap
}
