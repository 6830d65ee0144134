package clock

import (
	"time"
)

// Jump describes a wall-clock discontinuity observed between two ticks.
type Jump struct {
	From time.Time // wall time at the previous observation
	To   time.Time // wall time now
	Wall time.Duration
	Mono time.Duration
}

// Drift is how far the wall clock moved beyond (or behind) real elapsed time.
func (j Jump) Drift() time.Duration { return j.Wall - j.Mono }

// Detector compares wall-clock and monotonic deltas between observations.
// It is not safe for concurrent use; the tick loop owns it.
type Detector struct {
	clock     Clock
	threshold time.Duration

	primed   bool
	lastWall time.Time
	lastMono time.Duration
}

func NewDetector(c Clock, threshold time.Duration) *Detector {
	if c == nil {
		c = System()
	}
	if threshold <= 0 {
		threshold = time.Minute
	}
	return &Detector{clock: c, threshold: threshold}
}

// Observe records the current readings. It reports a Jump when the wall delta
// diverges from the monotonic delta by more than the threshold in either
// direction. The first call only primes the detector.
func (d *Detector) Observe() (Jump, bool) {
	wall := d.clock.Now()
	mono := d.clock.Monotonic()
	if !d.primed {
		d.primed = true
		d.lastWall, d.lastMono = wall, mono
		return Jump{}, false
	}
	j := Jump{From: d.lastWall, To: wall, Wall: wall.Sub(d.lastWall), Mono: mono - d.lastMono}
	d.lastWall, d.lastMono = wall, mono

	drift := j.Drift()
	if drift < 0 {
		drift = -drift
	}
	return j, drift > d.threshold
}

// Last returns the wall time of the previous observation.
func (d *Detector) Last() (time.Time, bool) { return d.lastWall, d.primed }
