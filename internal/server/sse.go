package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// DefaultHistoryLimit bounds the events a thread keeps for replay. A long
// chat thread emits several events per turn; older ones are dropped.
const DefaultHistoryLimit = 512

// subscriberBuffer is the live headroom of one SSE client beyond its replay.
const subscriberBuffer = 256

// Frame is one thread event with its position in the thread's stream. Seq
// keeps counting across trimmed history, so it doubles as the SSE event id.
type Frame struct {
	Seq   uint64
	Event map[string]any
}

// Broadcaster fans one thread's session events out to its SSE clients and
// keeps the most recent ones for replay.
type Broadcaster struct {
	mu      sync.Mutex
	limit   int
	history []Frame
	next    uint64
	subs    map[uint64]chan Frame
	nextSub uint64
	closed  bool
	done    chan struct{} // closed by Close only, never by a slow-client drop
}

// NewBroadcaster keeps at most limit events for replay; limit <= 0 uses
// DefaultHistoryLimit.
func NewBroadcaster(limit int) *Broadcaster {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Broadcaster{
		limit: limit,
		subs:  make(map[uint64]chan Frame),
		done:  make(chan struct{}),
	}
}

// Send records ev and forwards it to every subscriber. ev must not be
// mutated afterwards.
func (b *Broadcaster) Send(ev map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	f := Frame{Seq: b.next, Event: ev}
	b.next++
	if len(b.history) == b.limit {
		copy(b.history, b.history[1:])
		b.history = b.history[:len(b.history)-1]
	}
	b.history = append(b.history, f)

	for id, ch := range b.subs {
		select {
		case ch <- f:
		default:
			// A client that cannot keep up is cut loose rather than
			// stalling the event pump.
			close(ch)
			delete(b.subs, id)
		}
	}
}

// Subscribe replays retained frames with Seq >= from, then delivers live
// ones. The done channel closes only when the broadcaster does, so callers
// can tell shutdown from being dropped as a slow client.
func (b *Broadcaster) Subscribe(from uint64) (<-chan Frame, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	replay := b.history
	for len(replay) > 0 && replay[0].Seq < from {
		replay = replay[1:]
	}
	// Sized for the whole replay so filling it never blocks under the lock.
	ch := make(chan Frame, len(replay)+subscriberBuffer)
	for _, f := range replay {
		ch <- f
	}
	if b.closed {
		close(ch)
		return ch, b.done, func() {}
	}

	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, b.done, unsub
}

// Close ends the stream for every subscriber. Later sends are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Last returns the most recent event, if any.
func (b *Broadcaster) Last() (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) == 0 {
		return nil, false
	}
	return b.history[len(b.history)-1].Event, true
}

// Retained reports how many events are kept and how many were ever sent.
func (b *Broadcaster) Retained() (kept int, total uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history), b.next
}

// oldest is the Seq of the first retained frame, or next when empty.
func (b *Broadcaster) oldest() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) == 0 {
		return b.next
	}
	return b.history[0].Seq
}

// resumeFrom turns a Last-Event-ID header into the first Seq to send.
func resumeFrom(r *http.Request) uint64 {
	v := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if v == "" {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n + 1
}

// WriteSSE streams a thread's events as Server-Sent Events. Events with an
// "event" key become named SSE events. A client resuming with Last-Event-ID
// continues after that id; if the events it missed were already trimmed it
// first gets a "truncated" event with the number lost.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	from := resumeFrom(r)
	if oldest := b.oldest(); oldest > from {
		fmt.Fprintf(w, "event: truncated\ndata: {\"dropped\":%d}\n\n", oldest-from)
	}
	flusher.Flush()

	frames, done, unsub := b.Subscribe(from)
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				select {
				case <-done:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(f.Event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\n", f.Seq)
			if name, ok := f.Event["event"].(string); ok && name != "" {
				fmt.Fprintf(w, "event: %s\n", name)
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
