package server

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestThreadRegistry_EnsureAndGet(t *testing.T) {
	r := NewThreadRegistry(0)

	ts := r.Ensure("thread-1")
	if ts.Broadcaster == nil {
		t.Fatal("expected a broadcaster")
	}
	if again := r.Ensure("thread-1"); again != ts {
		t.Fatal("Ensure created a second state for the same thread")
	}

	got, ok := r.Get("thread-1")
	if !ok || got.ThreadID != "thread-1" {
		t.Fatalf("unexpected lookup: %v %v", got, ok)
	}
}

func TestThreadRegistry_GetNotFound(t *testing.T) {
	r := NewThreadRegistry(0)
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("expected not found")
	}
}

func TestThreadRegistry_ListSorted(t *testing.T) {
	r := NewThreadRegistry(0)
	r.Ensure("b")
	r.Ensure("a")

	ids := r.List()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestThreadRegistry_ConcurrentEnsure(t *testing.T) {
	r := NewThreadRegistry(0)
	var wg sync.WaitGroup
	got := make([]*ThreadState, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Ensure("same")
		}(i)
	}
	wg.Wait()
	for _, ts := range got {
		if ts != got[0] {
			t.Fatal("concurrent Ensure returned different states")
		}
	}
}

func TestThreadRegistry_CloseAll(t *testing.T) {
	r := NewThreadRegistry(0)
	_, done1, _ := r.Ensure("a").Broadcaster.Subscribe(0)
	_, done2, _ := r.Ensure("b").Broadcaster.Subscribe(0)

	r.CloseAll()

	for i, done := range []<-chan struct{}{done1, done2} {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("broadcaster %d not closed", i)
		}
	}
}

func TestThreadState_StatusLifecycle(t *testing.T) {
	r := NewThreadRegistry(0)
	ts := r.Ensure("t")

	if st := ts.Status(); st.State != threadIdle || st.Runs != 0 {
		t.Fatalf("fresh thread: %+v", st)
	}

	ts.Begin()
	if st := ts.Status(); st.State != threadRunning || st.Runs != 1 {
		t.Fatalf("running thread: %+v", st)
	}

	ts.Finish(errors.New("model unavailable"))
	st := ts.Status()
	if st.State != threadFailed || st.LastError != "model unavailable" {
		t.Fatalf("failed thread: %+v", st)
	}

	ts.Begin()
	ts.Finish(nil)
	if st := ts.Status(); st.State != threadIdle || st.Runs != 2 || st.LastError != "" {
		t.Fatalf("recovered thread: %+v", st)
	}
}

func TestThreadState_StatusReportsLastEvent(t *testing.T) {
	ts := NewThreadRegistry(0).Ensure("t")
	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	ts.Broadcaster.Send(map[string]any{"event": "USER_INPUT", "ts": at.Add(-time.Second).Format(time.RFC3339Nano)})
	ts.Broadcaster.Send(map[string]any{"event": "ROUTE", "ts": at.Format(time.RFC3339Nano)})

	st := ts.Status()
	if st.LastEvent != "ROUTE" {
		t.Fatalf("last event: %q", st.LastEvent)
	}
	if st.LastEventAt == nil || !st.LastEventAt.Equal(at) {
		t.Fatalf("last event at: %v", st.LastEventAt)
	}
}
