package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"cadence/internal/eventbus"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/storage"
	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Notifier lifecycle events.
const (
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
)

type job struct {
	m        Message
	dedupKey string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service turns terminal execution events into operator notifications:
// subscribe, compose, dedup, queue, rate limit, retry, deliver.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue     chan job
	persistCh chan dedupWrite
	unsub     func()
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, sinks []Sink, bus eventbus.Bus, store storage.Store, log logx.Logger) *Service {
	s := &Service{
		log:   log,
		bus:   bus,
		store: store,
		sinks: sinks,
		dedup: map[string]time.Time{},
		now:   time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps tunables and sinks. Sinks apply to the next send.
func (s *Service) Apply(cfg Config, sinks []Sink) {
	s.mu.Lock()
	s.applyLocked(cfg)
	if sinks != nil {
		s.sinks = sinks
	}
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 256)
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))))
	sup, q, pch := s.sup, s.queue, s.persistCh

	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(256, workflow.EventSucceeded, workflow.EventFailed, workflow.EventTimedOut)
	}
	nsinks := len(s.sinks)
	s.mu.Unlock()

	if events != nil {
		sup.Go("events", func(c context.Context) error {
			s.eventLoop(c, events)
			return nil
		})
	}
	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return nil
		})
	}
	sup.GoRestart("worker", func(c context.Context) error {
		s.workerLoop(c, q)
		return nil
	})
	s.log.Info("notifier started", logx.Int("sinks", nsinks))
}

// Stop stops intake and drains the queue best-effort until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q, pch, sup, unsub := s.queue, s.persistCh, s.sup, s.unsub
	if q == nil {
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
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue, s.persistCh, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev, ok := e.Data.(workflow.ExecutionEvent)
			if !ok {
				continue
			}
			s.mu.Lock()
			cfg := s.cfg
			s.mu.Unlock()
			if e.Type == workflow.EventSucceeded && !cfg.NotifySuccess {
				continue
			}
			if ev.Trigger == workflow.TriggerMissed && !cfg.NotifyMissed {
				continue
			}
			if err := s.Notify(ctx, Compose(e.Type, ev)); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Warn("notification not queued", logx.String("job", ev.JobID), logx.Err(err))
			}
		}
	}
}

// Notify queues m for delivery unless an identical outcome for the same job
// was sent within the dedup window.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, cfg, pch := s.queue, s.cfg, s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(m)
	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg, pch) {
		s.publish(EventDeduped, m, "", key, nil)
		return nil
	}

	select {
	case q <- job{m: m, dedupKey: key}:
		return nil
	default:
		s.publish(EventDropped, m, "", key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, m Message, sink, key string, err error) {
	if s.bus == nil {
		return
	}
	now := s.now()
	ev := NotificationEvent{JobID: m.JobID, ExecutionID: m.ExecutionID, Sink: sink, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(sink string, m Message) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), Sink: sink, Title: m.Title})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup mark not saved", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends j to every sink, retrying each sink independently.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	for _, sink := range sinks {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = cfg.RetryBase
		bo.MaxInterval = cfg.RetryMaxDelay
		bo.RandomizationFactor = 0.3
		bo.MaxElapsedTime = 0
		bo.Reset()
		policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.RetryMax)), ctx)

		attempt := 0
		err := backoff.RetryNotify(func() error {
			attempt++
			if err := lim.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
			cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
			defer cancel()
			err := sink.Send(cctx, j.m)
			if err != nil && isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}, policy, func(err error, wait time.Duration) {
			s.log.Debug("notification send failed",
				logx.String("sink", sink.Name()),
				logx.Int("attempt", attempt),
				logx.Duration("wait", wait),
				logx.Err(err),
			)
		})

		if err != nil {
			s.log.Warn("notification delivery failed", logx.String("sink", sink.Name()), logx.String("job", j.m.JobID), logx.Int("attempts", attempt), logx.Err(err))
			s.publish(EventFailed, j.m, sink.Name(), j.dedupKey, err)
			continue
		}
		s.appendHistory(sink.Name(), j.m)
		s.publish(EventSent, j.m, sink.Name(), j.dedupKey, nil)
	}
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan dedupWrite) bool {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Persistent check for cross-restart dedup.
	if cfg.PersistDedup && s.store != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var oldest string
		var oldestT time.Time
		for k, u := range s.dedup {
			if oldest == "" || u.Before(oldestT) {
				oldest, oldestT = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// Supervisor exposes the internal supervisor for diagnostics (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}
