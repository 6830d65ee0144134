package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cadence/internal/clock"
	"cadence/internal/eventbus"
	"cadence/internal/storage"
	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

type capture struct {
	mu   sync.Mutex
	reqs []workflow.RunRequest
}

func (c *capture) Enqueue(r workflow.RunRequest) error {
	c.mu.Lock()
	c.reqs = append(c.reqs, r)
	c.mu.Unlock()
	return nil
}

func (c *capture) take() []workflow.RunRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.reqs
	c.reqs = nil
	return out
}

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func dailyBrief() workflow.Job {
	return workflow.Job{
		ID:       "daily-brief",
		Stages:   []string{"prepare", "enrich", "deliver"},
		Cron:     "0 6 * * 1-5",
		Timezone: "America/New_York",
		Enabled:  true,
	}
}

func setup(t *testing.T, start time.Time, cfg Config, store storage.Store) (*Service, *clock.Fake, *capture) {
	t.Helper()
	fake := clock.NewFake(start)
	c := &capture{}
	cfg.Enabled = true
	s := New(cfg, fake, c, store, eventbus.New(16), logx.Nop())
	if err := s.SetJobs([]workflow.Job{dailyBrief()}); err != nil {
		t.Fatalf("SetJobs: %v", err)
	}
	return s, fake, c
}

func TestDueJobFiresOnce(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	// Monday 2024-03-11 05:59:50 New York.
	s, fake, c := setup(t, time.Date(2024, 3, 11, 5, 59, 50, 0, ny), Config{}, nil)

	j, _ := s.Job("daily-brief")
	if want := time.Date(2024, 3, 11, 6, 0, 0, 0, ny); !j.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", j.NextRun, want)
	}

	s.Tick()
	if got := c.take(); len(got) != 0 {
		t.Fatalf("early tick enqueued %+v", got)
	}

	fake.Advance(30 * time.Second)
	s.Tick()
	got := c.take()
	if len(got) != 1 || got[0].Trigger != workflow.TriggerScheduled || !got[0].FireTime.Equal(time.Date(2024, 3, 11, 6, 0, 0, 0, ny)) {
		t.Fatalf("due tick = %+v", got)
	}

	fake.Advance(30 * time.Second)
	s.Tick()
	if got := c.take(); len(got) != 0 {
		t.Fatalf("second tick re-fired: %+v", got)
	}
	j, _ = s.Job("daily-brief")
	if want := time.Date(2024, 3, 12, 6, 0, 0, 0, ny); !j.NextRun.Equal(want) {
		t.Fatalf("NextRun after fire = %v, want %v", j.NextRun, want)
	}
}

func TestSleepAcrossFireTimeYieldsOneMissed(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	s, fake, c := setup(t, time.Date(2024, 3, 11, 5, 50, 0, 0, ny), Config{}, nil)

	s.Tick() // primes the detector
	fake.Jump(80 * time.Minute)
	s.Tick()

	got := c.take()
	if len(got) != 1 {
		t.Fatalf("requests = %+v, want one missed", got)
	}
	if got[0].Trigger != workflow.TriggerMissed || !got[0].FireTime.Equal(time.Date(2024, 3, 11, 6, 0, 0, 0, ny)) {
		t.Fatalf("request = %+v", got[0])
	}

	// Normal ticks afterwards do not fire the same slot as Scheduled.
	fake.Advance(30 * time.Second)
	s.Tick()
	if got := c.take(); len(got) != 0 {
		t.Fatalf("slot fired twice: %+v", got)
	}
}

func TestWeekendSleepYieldsNothing(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	// Friday 2024-03-08 23:00 to Saturday 10:00.
	s, fake, c := setup(t, time.Date(2024, 3, 8, 23, 0, 0, 0, ny), Config{}, nil)

	s.Tick()
	fake.Jump(11 * time.Hour)
	s.Tick()
	if got := c.take(); len(got) != 0 {
		t.Fatalf("weekend jump enqueued %+v", got)
	}
	j, _ := s.Job("daily-brief")
	if want := time.Date(2024, 3, 11, 6, 0, 0, 0, ny); !j.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want Monday 06:00", j.NextRun)
	}
}

func TestJumpBeyondGraceYieldsNothing(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	s, fake, c := setup(t, time.Date(2024, 3, 11, 5, 50, 0, 0, ny), Config{GraceWindow: 2 * time.Hour}, nil)

	s.Tick()
	fake.Jump(3*time.Hour + 10*time.Minute) // 09:00, three hours after the slot
	s.Tick()
	if got := c.take(); len(got) != 0 {
		t.Fatalf("stale slot fired: %+v", got)
	}
}

func TestBackwardJumpDoesNotRefire(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	s, fake, c := setup(t, time.Date(2024, 3, 11, 5, 59, 55, 0, ny), Config{}, nil)

	s.Tick()
	fake.Advance(10 * time.Second)
	s.Tick()
	if got := c.take(); len(got) != 1 {
		t.Fatalf("requests = %+v, want one", got)
	}

	fake.Jump(-2 * time.Minute) // NTP step back to 05:58:05
	s.Tick()
	fake.Advance(3 * time.Minute)
	s.Tick()
	if got := c.take(); len(got) != 0 {
		t.Fatalf("slot refired after backward jump: %+v", got)
	}
}

func TestDisabledJobNeverFires(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	s, fake, c := setup(t, time.Date(2024, 3, 11, 5, 59, 0, 0, ny), Config{}, nil)
	j := dailyBrief()
	j.Enabled = false
	if err := s.SetJobs([]workflow.Job{j}); err != nil {
		t.Fatal(err)
	}
	s.Tick()
	fake.Advance(2 * time.Minute)
	s.Tick()
	if got := c.take(); len(got) != 0 {
		t.Fatalf("disabled job fired: %+v", got)
	}
	if _, ok := s.Job("daily-brief"); !ok {
		t.Fatal("disabled job missing from catalog")
	}
}

func TestSetJobsRejectsBadDefinitionsAndKeepsPrevious(t *testing.T) {
	t.Parallel()
	s, _, _ := setup(t, time.Date(2024, 3, 11, 5, 0, 0, 0, time.UTC), Config{}, nil)

	bad := []workflow.Job{
		{ID: "x", Stages: []string{"a"}, Cron: "not a cron"},
		{ID: "y", Stages: []string{"a"}, Cron: "@daily", Timezone: "Mars/Olympus"},
		{ID: "z", Cron: "@daily"},
	}
	for _, j := range bad {
		if err := s.SetJobs([]workflow.Job{j}); err == nil {
			t.Fatalf("job %s accepted", j.ID)
		}
	}
	dup := []workflow.Job{dailyBrief(), dailyBrief()}
	if err := s.SetJobs(dup); err == nil {
		t.Fatal("duplicate ids accepted")
	}
	if jobs := s.Jobs(); len(jobs) != 1 || jobs[0].ID != "daily-brief" {
		t.Fatalf("jobs after rejected updates = %+v", jobs)
	}
}

func TestSetJobsKeepsLastRun(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	s, fake, c := setup(t, time.Date(2024, 3, 11, 5, 59, 0, 0, ny), Config{}, nil)
	fake.Advance(2 * time.Minute)
	s.Tick()
	c.take()

	j := dailyBrief()
	j.Stages = []string{"prepare", "deliver"}
	if err := s.SetJobs([]workflow.Job{j}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Job("daily-brief")
	if !got.LastRun.Equal(time.Date(2024, 3, 11, 6, 0, 0, 0, ny)) || len(got.Stages) != 2 {
		t.Fatalf("job after reload = %+v", got)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	s, _, _ := setup(t, time.Date(2024, 3, 8, 7, 0, 0, 0, ny), Config{}, nil)
	times, err := s.Preview("daily-brief", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(times) != 2 || times[0].Weekday() != time.Monday || times[1].Weekday() != time.Tuesday {
		t.Fatalf("preview = %v", times)
	}
	if _, err := s.Preview("nope", 1); err == nil {
		t.Fatal("expected unknown job error")
	}
}

func TestCatchUpOnStart(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.PutMark(ctx, storage.MarkSchedulerTick, time.Date(2024, 3, 11, 5, 50, 0, 0, ny)); err != nil {
		t.Fatal(err)
	}

	s, _, c := setup(t, time.Date(2024, 3, 11, 6, 30, 0, 0, ny), Config{CatchUpOnStart: true, TickInterval: time.Hour}, st)
	s.Start(ctx)
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	defer s.Stop(stopCtx)

	got := c.take()
	if len(got) != 1 || got[0].Trigger != workflow.TriggerMissed || !got[0].FireTime.Equal(time.Date(2024, 3, 11, 6, 0, 0, 0, ny)) {
		t.Fatalf("catch-up = %+v", got)
	}
}
