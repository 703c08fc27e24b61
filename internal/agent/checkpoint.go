package agent

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/mcpchat/internal/llm"
)

var ErrCorruptCheckpoint = errors.New("checkpoint digest mismatch")

type Checkpoint struct {
	ThreadID  string        `json:"thread_id"`
	Version   int           `json:"version"`
	Digest    string        `json:"digest"`
	UpdatedAt time.Time     `json:"updated_at"`
	Messages  []llm.Message `json:"messages"`
}

// Checkpointer persists thread history between runs.
type Checkpointer interface {
	Get(threadID string) (Checkpoint, bool, error)
	Put(threadID string, history []llm.Message) (Checkpoint, error)
}

type storedCheckpoint struct {
	version   int
	digest    [32]byte
	blob      []byte
	updatedAt time.Time
}

// MemorySaver keeps encoded snapshots in process memory. Each Put encodes the
// history, so callers can never mutate a stored checkpoint through a shared
// slice.
type MemorySaver struct {
	mu      sync.RWMutex
	threads map[string]storedCheckpoint
	now     func() time.Time
}

func NewMemorySaver() *MemorySaver {
	return &MemorySaver{threads: map[string]storedCheckpoint{}, now: time.Now}
}

func (m *MemorySaver) Put(threadID string, history []llm.Message) (Checkpoint, error) {
	blob, err := encodeHistory(history)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("encode checkpoint %s: %w", threadID, err)
	}
	sum := blake3.Sum256(blob)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.threads == nil {
		m.threads = map[string]storedCheckpoint{}
	}
	prev := m.threads[threadID]
	sc := storedCheckpoint{version: prev.version + 1, digest: sum, blob: blob, updatedAt: m.clock().UTC()}
	m.threads[threadID] = sc
	return Checkpoint{
		ThreadID:  threadID,
		Version:   sc.version,
		Digest:    hex.EncodeToString(sum[:]),
		UpdatedAt: sc.updatedAt,
		Messages:  cloneHistory(history),
	}, nil
}

func (m *MemorySaver) Get(threadID string) (Checkpoint, bool, error) {
	m.mu.RLock()
	sc, ok := m.threads[threadID]
	m.mu.RUnlock()
	if !ok {
		return Checkpoint{}, false, nil
	}
	if blake3.Sum256(sc.blob) != sc.digest {
		return Checkpoint{}, true, fmt.Errorf("%w: thread %s version %d", ErrCorruptCheckpoint, threadID, sc.version)
	}
	msgs, err := decodeHistory(sc.blob)
	if err != nil {
		return Checkpoint{}, true, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	return Checkpoint{
		ThreadID:  threadID,
		Version:   sc.version,
		Digest:    hex.EncodeToString(sc.digest[:]),
		UpdatedAt: sc.updatedAt,
		Messages:  msgs,
	}, true, nil
}

// Threads lists known thread IDs in sorted order.
func (m *MemorySaver) Threads() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.threads))
	for id := range m.threads {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *MemorySaver) clock() time.Time {
	if m.now == nil {
		return time.Now()
	}
	return m.now()
}

func encodeHistory(history []llm.Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(history); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeHistory(blob []byte) ([]llm.Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(blob))
	dec.SetCustomStructTag("json")
	var out []llm.Message
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneHistory(in []llm.Message) []llm.Message {
	out := make([]llm.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
