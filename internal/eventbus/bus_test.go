package eventbus

import "testing"

func TestPublishOrderAndFilter(t *testing.T) {
	t.Parallel()
	b := New(4)
	all, unsubAll := b.Subscribe(16)
	defer unsubAll()
	exec, unsubExec := b.Subscribe(16, "execution.")
	defer unsubExec()

	b.Publish(Event{Type: "execution.started"})
	b.Publish(Event{Type: "run.skipped"})
	b.Publish(Event{Type: "execution.succeeded"})

	var seqs []uint64
	for i := 0; i < 3; i++ {
		seqs = append(seqs, (<-all).Seq)
	}
	if seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("seqs = %v", seqs)
	}
	if e := <-exec; e.Type != "execution.started" {
		t.Fatalf("first filtered = %s", e.Type)
	}
	if e := <-exec; e.Type != "execution.succeeded" {
		t.Fatalf("second filtered = %s", e.Type)
	}
	if len(exec) != 0 {
		t.Fatal("filtered subscriber saw run.skipped")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New(0)
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "x"})
	}
	st := b.Stats()
	if st.Published != 5 || st.Dropped != 4 || st.Subscribers != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRecentRetention(t *testing.T) {
	t.Parallel()
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "x"})
	}
	got := b.Recent(0)
	if len(got) != 3 || got[0].Seq != 3 || got[2].Seq != 5 {
		t.Fatalf("recent = %+v", got)
	}
	if got := b.Recent(4); len(got) != 1 || got[0].Seq != 5 {
		t.Fatalf("recent after 4 = %+v", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New(0)
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	b.Publish(Event{Type: "after"})
}
