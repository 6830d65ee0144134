package clock

import (
	"sync"
	"time"
)

// Clock exposes the two time sources the scheduler compares.
//
// Now is the wall clock. Monotonic is elapsed time on a clock that ignores wall
// adjustments and, on Linux, does not advance while the machine is suspended.
type Clock interface {
	Now() time.Time
	Monotonic() time.Duration
}

type systemClock struct {
	origin time.Time
}

// System returns the process clock.
func System() Clock {
	return &systemClock{origin: time.Now()}
}

// Now strips the monotonic reading so wall arithmetic stays wall arithmetic.
func (c *systemClock) Now() time.Time { return time.Now().Round(0) }

func (c *systemClock) Monotonic() time.Duration { return time.Since(c.origin) }

// Fake is a manually driven Clock for tests.
type Fake struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

func NewFake(start time.Time) *Fake { return &Fake{wall: start} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall
}

func (f *Fake) Monotonic() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono
}

// Advance moves both clocks forward, like normal running time.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.wall = f.wall.Add(d)
	f.mono += d
	f.mu.Unlock()
}

// Jump moves only the wall clock, like a suspend/resume or an NTP step.
func (f *Fake) Jump(d time.Duration) {
	f.mu.Lock()
	f.wall = f.wall.Add(d)
	f.mu.Unlock()
}

// Set places the wall clock at t without moving the monotonic clock.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.wall = t
	f.mu.Unlock()
}
