package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/antonkrylov/cudash/internal/events"
)

func newStore(t *testing.T, limit int) *Store {
	t.Helper()
	st, err := New(context.Background(), &Options{Limit: limit})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestSessionLifecycle(t *testing.T) {
	st := newStore(t, 0)
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(time.Minute)
	code := 3

	st.Publish(events.Event{Type: events.SessionOpened, Time: start, SessionID: "s1", Intent: "terminal", EnvironmentID: "fancy-mole", PID: 42})
	rec, err := st.Session("s1")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Active() {
		t.Fatal("new session should be active")
	}

	st.Publish(events.Event{Type: events.SessionClosed, Time: end, SessionID: "s1", Intent: "terminal", EnvironmentID: "fancy-mole", PID: 42, ExitCode: &code})
	code = 99

	got := st.Sessions()
	want := []Record{{ID: "s1", Intent: "terminal", EnvironmentID: "fancy-mole", PID: 42, StartedAt: start, EndedAt: &end, ExitCode: intPtr(3)}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sessions mismatch (-want +got):\n%s", diff)
	}
	if _, err := st.Session("nope"); err != ErrSessionNotFound {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

func intPtr(v int) *int { return &v }

func TestActivityIsBounded(t *testing.T) {
	st := newStore(t, 3)
	for i := 0; i < 5; i++ {
		st.Publish(events.Event{Type: events.EnvironmentAction, Action: fmt.Sprint(i)})
	}
	var got []string
	for _, ev := range st.Activity(0) {
		got = append(got, ev.Action)
	}
	if diff := cmp.Diff([]string{"2", "3", "4"}, got); diff != "" {
		t.Fatalf("activity mismatch (-want +got):\n%s", diff)
	}
	if last := st.Activity(1); len(last) != 1 || last[0].Action != "4" {
		t.Fatalf("limited activity %+v", last)
	}
}

func TestFinishedSessionsArePruned(t *testing.T) {
	st := newStore(t, 2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st.Publish(events.Event{Type: events.SessionOpened, Time: base, SessionID: "live"})
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("s%d", i)
		at := base.Add(time.Duration(i+1) * time.Second)
		st.Publish(events.Event{Type: events.SessionOpened, Time: at, SessionID: id})
		st.Publish(events.Event{Type: events.SessionClosed, Time: at.Add(time.Millisecond), SessionID: id})
	}
	var ids []string
	for _, rec := range st.Sessions() {
		ids = append(ids, rec.ID)
	}
	if diff := cmp.Diff([]string{"live", "s2", "s3"}, ids); diff != "" {
		t.Fatalf("retained sessions (-want +got):\n%s", diff)
	}
}

func TestSubscribe(t *testing.T) {
	st := newStore(t, 0)
	id, ch := st.Subscribe()
	st.Publish(events.Event{Type: events.EnvironmentAction, Action: "apply"})
	select {
	case ev := <-ch:
		if ev.Action != "apply" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	st.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestClosedWithoutOpenStillRecorded(t *testing.T) {
	st := newStore(t, 0)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	st.Publish(events.Event{Type: events.SessionClosed, Time: at, SessionID: "orphan"})
	rec, err := st.Session("orphan")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Active() || rec.ExitCode != nil {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestJetStreamDefaults(t *testing.T) {
	var o JetStreamOptions
	o.setDefaults()
	if o.Prefix != "cudash" || o.Stream != "cudash_history" || o.DupeWindow != 2*time.Minute {
		t.Fatalf("unexpected defaults %+v", o)
	}
	m := &jetStreamMirror{opts: &o}
	if got := m.subject(events.Event{Type: events.SessionClosed}); got != "cudash.history.session.closed" {
		t.Fatalf("subject %q", got)
	}
}
