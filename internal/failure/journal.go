package failure

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity bounds the in-memory journal.
const DefaultCapacity = 100

// Entry is one recorded failure.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"-"`
	KindName  string         `json:"kind"`
	Message   string         `json:"message"`
	Command   string         `json:"command,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Stats summarizes the retained entries.
type Stats struct {
	Total     int            `json:"total"`
	ByKind    map[string]int `json:"by_kind"`
	ByCommand map[string]int `json:"by_command"`
}

// Sink receives every entry after it is appended to the ring.
type Sink func(ctx context.Context, e Entry)

// Journal is a fixed-size ring of recent failures.
type Journal struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	sink     Sink
	log      *slog.Logger
	clock    func() time.Time
}

func NewJournal(capacity int, log *slog.Logger, sink Sink) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		sink:     sink,
		log:      log.With(slog.String("component", "failure-journal")),
		clock:    time.Now,
	}
}

// Record appends err under command. The oldest entry is trimmed once the
// journal is full.
func (j *Journal) Record(ctx context.Context, err error, command string, details map[string]any) Entry {
	kind := KindOf(err)
	e := Entry{
		Timestamp: j.clock().UTC(),
		Kind:      kind,
		KindName:  kind.String(),
		Command:   command,
		Context:   details,
	}
	if err != nil {
		e.Message = err.Error()
	}

	j.mu.Lock()
	if len(j.entries) == j.capacity {
		copy(j.entries, j.entries[1:])
		j.entries = j.entries[:j.capacity-1]
	}
	j.entries = append(j.entries, e)
	j.mu.Unlock()

	j.log.Warn("failure recorded",
		slog.String("kind", e.KindName),
		slog.String("command", command),
		slog.String("error", e.Message))
	if j.sink != nil {
		j.sink(ctx, e)
	}
	return e
}

// Recent returns up to n entries, newest last.
func (j *Journal) Recent(n int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n <= 0 || n > len(j.entries) {
		n = len(j.entries)
	}
	out := make([]Entry, n)
	copy(out, j.entries[len(j.entries)-n:])
	return out
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Stats{
		Total:     len(j.entries),
		ByKind:    make(map[string]int),
		ByCommand: make(map[string]int),
	}
	for _, e := range j.entries {
		st.ByKind[e.KindName]++
		if e.Command != "" {
			st.ByCommand[e.Command]++
		}
	}
	return st
}

// Clear drops every retained entry.
func (j *Journal) Clear() {
	j.mu.Lock()
	j.entries = j.entries[:0]
	j.mu.Unlock()
}
