package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

type recordSink struct {
	mu   sync.Mutex
	msgs []Message
	got  chan Message
}

func newRecordSink() *recordSink { return &recordSink{got: make(chan Message, 16)} }

func (r *recordSink) Name() string { return "record" }

func (r *recordSink) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	r.got <- m
	return nil
}

func waitMsg(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return Message{}
}

func startService(t *testing.T, cfg Config, sinks ...Sink) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(0)
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := New(cfg, sinks, bus, nil, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func failedEvent(job string, trigger workflow.Trigger) eventbus.Event {
	return eventbus.Event{Type: workflow.EventFailed, Data: workflow.ExecutionEvent{
		JobID: job, ExecutionID: "e-" + job, Trigger: trigger, Status: workflow.StatusFailed,
		Stage: "deliver", ErrorKind: workflow.KindAuth, Error: "401 unauthorized", NeedsAction: true,
	}}
}

func TestComposeActionableMessage(t *testing.T) {
	t.Parallel()
	e := failedEvent("daily-brief", workflow.TriggerMissed).Data.(workflow.ExecutionEvent)
	m := Compose(workflow.EventFailed, e)
	if !strings.HasPrefix(m.Title, "Action needed: daily-brief failed at stage deliver") || !strings.Contains(m.Title, "missed run") {
		t.Fatalf("title = %q", m.Title)
	}
	if !strings.Contains(m.Text, "Log in again") || !strings.Contains(m.Text, "Execution: e-daily-brief") {
		t.Fatalf("text = %q", m.Text)
	}

	timeout := Compose(workflow.EventTimedOut, workflow.ExecutionEvent{JobID: "j", Stage: "enrich", Retryable: true, ErrorKind: workflow.KindTimeout})
	if !strings.Contains(timeout.Title, "timed out at stage enrich") || !strings.Contains(timeout.Text, "next scheduled run") {
		t.Fatalf("timeout message = %+v", timeout)
	}
}

func TestFailureEventsAreDelivered(t *testing.T) {
	t.Parallel()
	rec := newRecordSink()
	_, bus := startService(t, Config{NotifyMissed: true}, rec)

	bus.Publish(eventbus.Event{Type: workflow.EventSucceeded, Data: workflow.ExecutionEvent{JobID: "quiet", Status: workflow.StatusSucceeded}})
	bus.Publish(failedEvent("loud", workflow.TriggerScheduled))

	m := waitMsg(t, rec.got)
	if m.JobID != "loud" || !m.NeedsAction {
		t.Fatalf("message = %+v", m)
	}
}

func TestNotifyMissedToggle(t *testing.T) {
	t.Parallel()
	rec := newRecordSink()
	_, bus := startService(t, Config{NotifyMissed: false}, rec)

	bus.Publish(failedEvent("missed-job", workflow.TriggerMissed))
	bus.Publish(failedEvent("scheduled-job", workflow.TriggerScheduled))

	if m := waitMsg(t, rec.got); m.JobID != "scheduled-job" {
		t.Fatalf("first delivered = %s, want scheduled-job", m.JobID)
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	rec := newRecordSink()
	s, _ := startService(t, Config{DedupWindow: time.Hour}, rec)

	m := Compose(workflow.EventFailed, failedEvent("j", workflow.TriggerScheduled).Data.(workflow.ExecutionEvent))
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}
	other := m
	other.ErrorKind = workflow.KindNetwork
	if err := s.Notify(context.Background(), other); err != nil {
		t.Fatal(err)
	}

	waitMsg(t, rec.got)
	waitMsg(t, rec.got)
	select {
	case extra := <-rec.got:
		t.Fatalf("duplicate delivered: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	got := make(chan Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("X-Token") != "abc" {
			t.Errorf("missing header")
		}
		var m Message
		_ = json.NewDecoder(r.Body).Decode(&m)
		got <- m
	}))
	defer srv.Close()

	hook, err := NewWebhookSink(srv.URL, map[string]string{"X-Token": "abc"}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	s, _ := startService(t, Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, hook)
	if err := s.Notify(context.Background(), Message{JobID: "j", Title: "t", Status: workflow.StatusFailed}); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-got:
		if m.JobID != "j" {
			t.Fatalf("payload = %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never succeeded")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhookClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	hook, _ := NewWebhookSink(srv.URL, nil, srv.Client())
	s, bus := startService(t, Config{RetryMax: 3, RetryBase: time.Millisecond}, hook)
	failed, unsub := bus.Subscribe(4, EventFailed)
	defer unsub()

	if err := s.Notify(context.Background(), Message{JobID: "j"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("no failure event")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestNotifyWhenDisabledOrStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, nil, nil, logx.Nop())
	if err := s.Notify(context.Background(), Message{}); err != ErrDisabled {
		t.Fatalf("disabled = %v", err)
	}
	s.Apply(Config{Enabled: true}, nil)
	if err := s.Notify(context.Background(), Message{}); err != ErrStopped {
		t.Fatalf("not started = %v", err)
	}
}

func TestTelegramSinkValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegramSink(TelegramConfig{ChatID: 1}, nil); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := NewTelegramSink(TelegramConfig{Token: "x:y"}, nil); err == nil {
		t.Fatal("missing chat accepted")
	}
	if _, err := NewWebhookSink(" ", nil, nil); err == nil {
		t.Fatal("empty url accepted")
	}
}
