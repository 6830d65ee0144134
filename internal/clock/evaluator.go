package clock

import (
	"time"
)

// maxScan bounds the fire times MissedSince will walk. A seconds-level
// schedule over a long grace window is the worst case.
const maxScan = 100_000

// NextFire is the pure evaluator entry point: parse, bind to tz, and return the
// first fire time strictly after `after`.
func NextFire(expr, tz string, after time.Time) (time.Time, error) {
	s, err := Parse(expr, tz, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	next := s.Next(after)
	if next.IsZero() {
		return time.Time{}, ErrNoFireTime
	}
	return next, nil
}

// MissedSince reports the most recent fire time in (lastKnown, current] that
// is no older than grace relative to current.
//
// Fire times older than the grace window are ignored on purpose: a daily job
// that was due hours ago must not run stale after a long suspend.
func (s Schedule) MissedSince(lastKnown, current time.Time, grace time.Duration) (time.Time, bool) {
	if s.spec == nil || !current.After(lastKnown) || grace < 0 {
		return time.Time{}, false
	}

	// Only fire times >= current-grace can qualify; skip the rest of the gap.
	start := lastKnown
	if floor := current.Add(-grace).Add(-time.Nanosecond); floor.After(start) {
		start = floor
	}

	var hit time.Time
	t := start
	for i := 0; i < maxScan; i++ {
		t = s.Next(t)
		if t.IsZero() || t.After(current) {
			break
		}
		if t.After(lastKnown) {
			hit = t
		}
	}
	if hit.IsZero() || current.Sub(hit) > grace {
		return time.Time{}, false
	}
	return hit, true
}

// MissedSince is the function form of Schedule.MissedSince.
func MissedSince(expr, tz string, lastKnown, current time.Time, grace time.Duration) (time.Time, bool, error) {
	s, err := Parse(expr, tz, time.UTC)
	if err != nil {
		return time.Time{}, false, err
	}
	hit, ok := s.MissedSince(lastKnown, current, grace)
	return hit, ok, nil
}

// Preview lists up to n fire times strictly after from.
func (s Schedule) Preview(from time.Time, n int) []time.Time {
	if n <= 0 || s.spec == nil {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for len(out) < n {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
