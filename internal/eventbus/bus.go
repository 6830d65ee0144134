package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple the engine from
// its consumers (notifier, HTTP event stream, logs).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Events from a single publishing goroutine reach each subscriber in order.
type Event struct {
	Seq  uint64    `json:"seq"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose type starts with one of prefixes
	// (all events when none are given).
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
	// Recent returns retained events with Seq > after, oldest first.
	Recent(after uint64) []Event
	Stats() Stats
}

type Stats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// New returns an in-memory fanout bus that keeps the last retain events for
// late subscribers. It does not own any background goroutines.
func New(retain int) Bus {
	if retain < 0 {
		retain = 0
	}
	return &memBus{subs: map[uint64]*sub{}, retain: retain}
}

type sub struct {
	ch       chan Event
	prefixes []string
}

func (s *sub) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*sub
	subSeq atomic.Uint64

	// recent is guarded by mu (write lock) together with seq assignment so
	// Recent and live delivery agree on ordering.
	seq    uint64
	recent []Event
	retain int

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	b.seq++
	e.Seq = b.seq
	if b.retain > 0 {
		if len(b.recent) == b.retain {
			copy(b.recent, b.recent[1:])
			b.recent = b.recent[:len(b.recent)-1]
		}
		b.recent = append(b.recent, e)
	}
	// Snapshot subscribers so sends happen without holding the lock.
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()
	b.published.Add(1)

	for _, s := range targets {
		// A concurrent unsubscribe may close the channel; recover from the
		// resulting send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), prefixes: append([]string(nil), prefixes...)}
	id := b.subSeq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

func (b *memBus) Recent(after uint64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.recent {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out
}

func (b *memBus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Published: b.published.Load(), Dropped: b.dropped.Load(), Subscribers: n}
}
