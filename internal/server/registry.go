package server

import (
	"sort"
	"sync"
	"time"
)

const (
	threadIdle    = "idle"
	threadRunning = "running"
	threadFailed  = "failed"
)

// ThreadState tracks one conversation thread seen by this server instance.
// The conversation itself lives in the session's checkpointer.
type ThreadState struct {
	ThreadID    string
	Broadcaster *Broadcaster
	CreatedAt   time.Time

	mu      sync.Mutex
	running int
	runs    int
	lastErr error
}

// Begin marks a run as started.
func (ts *ThreadState) Begin() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.running++
	ts.runs++
}

// Finish records the outcome of a run started with Begin.
func (ts *ThreadState) Finish(err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.running > 0 {
		ts.running--
	}
	ts.lastErr = err
}

// Status returns the current thread status for the HTTP API.
func (ts *ThreadState) Status() ThreadStatus {
	ts.mu.Lock()
	status := ThreadStatus{
		ThreadID:  ts.ThreadID,
		State:     threadIdle,
		Runs:      ts.runs,
		CreatedAt: ts.CreatedAt,
	}
	switch {
	case ts.running > 0:
		status.State = threadRunning
	case ts.lastErr != nil:
		status.State = threadFailed
		status.LastError = ts.lastErr.Error()
	}
	ts.mu.Unlock()

	if ts.Broadcaster == nil {
		return status
	}
	if last, ok := ts.Broadcaster.Last(); ok {
		if evt, ok := last["event"].(string); ok {
			status.LastEvent = evt
		}
		if s, ok := last["ts"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				status.LastEventAt = &t
			}
		}
	}
	return status
}

// ThreadRegistry tracks all threads this server has run or streamed.
type ThreadRegistry struct {
	mu      sync.RWMutex
	threads map[string]*ThreadState
	history int
	now     func() time.Time
}

// NewThreadRegistry creates a registry whose threads each retain up to
// history events for replay.
func NewThreadRegistry(history int) *ThreadRegistry {
	return &ThreadRegistry{
		threads: make(map[string]*ThreadState),
		history: history,
		now:     time.Now,
	}
}

// Ensure returns the thread with the given ID, creating it if needed.
func (r *ThreadRegistry) Ensure(threadID string) *ThreadState {
	r.mu.RLock()
	ts, ok := r.threads[threadID]
	r.mu.RUnlock()
	if ok {
		return ts
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.threads[threadID]; ok {
		return ts
	}
	ts = &ThreadState{
		ThreadID:    threadID,
		Broadcaster: NewBroadcaster(r.history),
		CreatedAt:   r.now().UTC(),
	}
	r.threads[threadID] = ts
	return ts
}

// Get returns a thread by ID, or nil and false if not found.
func (r *ThreadRegistry) Get(threadID string) (*ThreadState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.threads[threadID]
	return ts, ok
}

// List returns all thread IDs in sorted order. ULIDs sort by creation time.
func (r *ThreadRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.threads))
	for id := range r.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll ends every event stream. Broadcasters ignore events sent after.
func (r *ThreadRegistry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ts := range r.threads {
		ts.Broadcaster.Close()
	}
}
