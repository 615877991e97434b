package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pm25-station/internal/telemetry"
)

// MemQueue is a bounded in-memory queue with the same contract as Store but
// no durability. When full it drops the oldest entry, sent entries first.
type MemQueue struct {
	mu      sync.Mutex
	entries []Entry
	byKey   map[string]EntryID
	nextID  EntryID
	cap     int
	dropped int64
	logger  *slog.Logger
	onDrop  func()
	now     func() time.Time
}

func NewMemQueue(capacity int, logger *slog.Logger) *MemQueue {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemQueue{
		entries: make([]Entry, 0, capacity),
		byKey:   make(map[string]EntryID, capacity),
		cap:     capacity,
		logger:  logger,
		now:     time.Now,
	}
}

// OnDrop registers a callback invoked once per dropped pending entry.
func (q *MemQueue) OnDrop(fn func()) {
	q.mu.Lock()
	q.onDrop = fn
	q.mu.Unlock()
}

func (q *MemQueue) Put(_ context.Context, rec telemetry.Record) (EntryID, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	key := rec.Key()
	if id, ok := q.byKey[key]; ok {
		return id, nil
	}
	if len(q.entries) >= q.cap {
		q.evictLocked()
	}
	q.nextID++
	rec.Values = rec.Values.Clone()
	q.entries = append(q.entries, Entry{ID: q.nextID, Record: rec})
	q.byKey[key] = q.nextID
	return q.nextID, nil
}

func (q *MemQueue) evictLocked() {
	victim := 0
	for i, e := range q.entries {
		if e.SentAt != nil {
			victim = i
			break
		}
	}
	e := q.entries[victim]
	q.entries = append(q.entries[:victim], q.entries[victim+1:]...)
	delete(q.byKey, e.Record.Key())
	if e.SentAt != nil {
		return
	}
	q.dropped++
	q.logger.Warn("memory queue full, dropped oldest pending entry",
		"record", e.Record.Key(),
		"capacity", q.cap,
		"dropped_total", q.dropped,
	)
	if q.onDrop != nil {
		q.onDrop()
	}
}

func (q *MemQueue) Pending(_ context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if e.SentAt != nil {
			continue
		}
		e.Record.Values = e.Record.Values.Clone()
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *MemQueue) MarkSent(_ context.Context, ids []EntryID) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[EntryID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	now := q.now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if _, ok := want[q.entries[i].ID]; !ok || q.entries[i].SentAt != nil {
			continue
		}
		sentAt := now
		q.entries[i].SentAt = &sentAt
	}
	return nil
}

func (q *MemQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st Stats
	for _, e := range q.entries {
		if e.SentAt != nil {
			st.Sent++
			continue
		}
		if st.Pending == 0 {
			st.OldestPending = e.Record.Timestamp
		}
		st.Pending++
	}
	return st, nil
}

// Dropped returns how many pending entries were lost to the capacity limit.
func (q *MemQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *MemQueue) Ping(context.Context) error { return nil }

func (q *MemQueue) Close() error { return nil }

var _ Queue = (*MemQueue)(nil)
