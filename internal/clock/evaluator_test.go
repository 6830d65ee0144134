package clock

import (
	"testing"
	"time"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}
	return loc
}

func TestNextFireWeekdaysOnly(t *testing.T) {
	t.Parallel()
	ny := mustLoad(t, "America/New_York")
	s, err := Parse("0 6 * * 1-5", "America/New_York", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	prev := time.Date(2024, 2, 20, 12, 0, 0, 0, ny)
	for i := 0; i < 120; i++ {
		next := s.Next(prev)
		if !next.After(prev) {
			t.Fatalf("sequence not strictly increasing: %v then %v", prev, next)
		}
		local := next.In(ny)
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Fatalf("weekend fire time %v", local)
		}
		if local.Hour() != 6 || local.Minute() != 0 {
			t.Fatalf("fire time not at 06:00 local: %v", local)
		}
		prev = next
	}
}

func TestNextFireAcrossDST(t *testing.T) {
	t.Parallel()
	mustLoad(t, "America/New_York")

	// Friday 2024-03-08 06:00 EST; DST starts Sunday 2024-03-10.
	fri := time.Date(2024, 3, 8, 11, 0, 0, 0, time.UTC)
	got, err := NextFire("0 6 * * 1-5", "America/New_York", fri)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	want := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC) // Monday 06:00 EDT
	if !got.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", got.UTC(), want)
	}
}

func TestNextFireImpossibleSchedule(t *testing.T) {
	t.Parallel()
	_, err := NextFire("0 0 30 2 *", "UTC", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != ErrNoFireTime {
		t.Fatalf("err = %v, want ErrNoFireTime", err)
	}
}

func TestMissedSinceDailyBrief(t *testing.T) {
	t.Parallel()
	ny := mustLoad(t, "America/New_York")
	s, err := Parse("0 6 * * 1-5", "America/New_York", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	grace := 90 * time.Minute

	// Laptop slept Friday night, woke Saturday morning: Saturday is not scheduled.
	from := time.Date(2024, 3, 8, 23, 0, 0, 0, ny)
	to := time.Date(2024, 3, 9, 10, 0, 0, 0, ny)
	if hit, ok := s.MissedSince(from, to, grace); ok {
		t.Fatalf("unexpected missed trigger %v", hit)
	}

	// Slept through Monday 06:00.
	from = time.Date(2024, 3, 11, 5, 50, 0, 0, ny)
	to = time.Date(2024, 3, 11, 7, 10, 0, 0, ny)
	hit, ok := s.MissedSince(from, to, grace)
	if !ok {
		t.Fatal("expected a missed trigger for Monday 06:00")
	}
	want := time.Date(2024, 3, 11, 6, 0, 0, 0, ny)
	if !hit.Equal(want) {
		t.Fatalf("hit = %v, want %v", hit, want)
	}
}

func TestMissedSinceGraceWindow(t *testing.T) {
	t.Parallel()
	s := MustParse("*/10 * * * *", "UTC")
	base := time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC)
	grace := 5 * time.Minute

	tests := []struct {
		name    string
		current time.Time
		want    time.Time
		ok      bool
	}{
		{name: "recent slot inside grace", current: base.Add(23*time.Minute + 30*time.Second), want: time.Date(2024, 5, 1, 10, 20, 0, 0, time.UTC), ok: true},
		{name: "exactly at grace edge", current: time.Date(2024, 5, 1, 10, 25, 0, 0, time.UTC), want: time.Date(2024, 5, 1, 10, 20, 0, 0, time.UTC), ok: true},
		{name: "slot older than grace", current: time.Date(2024, 5, 1, 10, 27, 0, 0, time.UTC), ok: false},
		{name: "jump beyond grace plus interval", current: time.Date(2024, 5, 1, 10, 56, 0, 0, time.UTC), ok: false},
		{name: "no slot in range", current: base.Add(5 * time.Minute), ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.MissedSince(base, tt.current, grace)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v (hit %v)", ok, tt.ok, got)
			}
			if ok && !got.Equal(tt.want) {
				t.Fatalf("hit = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMissedSinceExcludesLastKnown(t *testing.T) {
	t.Parallel()
	s := MustParse("0 * * * *", "UTC")
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if hit, ok := s.MissedSince(at, at.Add(10*time.Minute), time.Hour); ok {
		t.Fatalf("fire time equal to lastKnown must not count, got %v", hit)
	}
	if _, ok := s.MissedSince(at, at.Add(-time.Minute), time.Hour); ok {
		t.Fatal("backwards range must not report a miss")
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	s := MustParse("@daily", "UTC")
	from := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	got := s.Preview(from, 3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, g := range got {
		want := time.Date(2024, 1, 2+i, 0, 0, 0, 0, time.UTC)
		if !g.Equal(want) {
			t.Fatalf("preview[%d] = %v, want %v", i, g, want)
		}
	}
}
