// Package queue holds classified events until the server acknowledges them.
//
// The queue is bounded. Enqueue never blocks: when full, the oldest entry is
// evicted and counted. Failed deliveries are retried with capped exponential
// backoff and dropped after MaxAttempts.
package queue

import (
	"sync"
	"time"

	"github.com/ppiankov/dlpwatch/internal/model"
)

// Defaults for the delivery queue.
const (
	DefaultCapacity    = 1000
	DefaultMaxAttempts = 10
)

// Entry is one pending report.
type Entry struct {
	ID         string
	Seq        uint64
	Event      model.ClassifiedEvent
	Attempts   int
	NextRetry  time.Time // zero means due immediately
	EnqueuedAt time.Time
}

// Stats are cumulative queue counters plus the current length.
type Stats struct {
	Enqueued  int64
	Delivered int64
	Evicted   int64
	Expired   int64
	Len       int
}

// Dropped is the number of entries removed without delivery.
func (s Stats) Dropped() int64 { return s.Evicted + s.Expired }

// Config holds queue limits.
type Config struct {
	Capacity    int
	MaxAttempts int
	Backoff     Backoff
}

// Queue is a bounded FIFO safe for many producers and one consumer.
type Queue struct {
	capacity    int
	maxAttempts int
	backoff     Backoff

	mu      sync.Mutex
	entries []*Entry // ordered by Seq
	seq     uint64
	stats   Stats

	notify chan struct{}
}

// New creates a queue. Zero config fields take defaults.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		capacity:    cfg.Capacity,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff.withDefaults(),
		entries:     make([]*Entry, 0, cfg.Capacity),
		notify:      make(chan struct{}, 1),
	}
}

// Capacity returns the maximum number of entries.
func (q *Queue) Capacity() int { return q.capacity }

// Enqueue appends ev. When the queue is full the oldest entry is evicted
// and returned.
func (q *Queue) Enqueue(ev model.ClassifiedEvent) (evicted *Entry) {
	q.mu.Lock()
	if len(q.entries) >= q.capacity {
		evicted = q.entries[0]
		q.entries[0] = nil
		q.entries = q.entries[1:]
		q.stats.Evicted++
	}
	q.seq++
	q.entries = append(q.entries, &Entry{
		ID:         ev.ID,
		Seq:        q.seq,
		Event:      ev,
		EnqueuedAt: time.Now(),
	})
	q.stats.Enqueued++
	q.mu.Unlock()

	q.signal()
	return evicted
}

// Due returns up to max entries whose retry time has passed, oldest first.
// Entries stay queued until acknowledged or failed.
func (q *Queue) Due(now time.Time, max int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if max > 0 && len(out) >= max {
			break
		}
		if !e.NextRetry.After(now) {
			out = append(out, *e)
		}
	}
	return out
}

// Ack removes a delivered entry. It reports false if the entry is gone,
// for example evicted while in flight.
func (q *Queue) Ack(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.index(id)
	if i < 0 {
		return false
	}
	q.remove(i)
	q.stats.Delivered++
	return true
}

// Fail records a failed attempt and schedules the next retry. Once the
// entry exceeds MaxAttempts it is removed and returned with dropped set.
func (q *Queue) Fail(id string, now time.Time) (e Entry, dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.index(id)
	if i < 0 {
		return Entry{}, false
	}
	ent := q.entries[i]
	ent.Attempts++
	if ent.Attempts >= q.maxAttempts {
		q.remove(i)
		q.stats.Expired++
		return *ent, true
	}
	ent.NextRetry = now.Add(q.backoff.Delay(ent.Attempts))
	return *ent, false
}

// NextWake returns the earliest retry time among queued entries. ok is
// false when the queue is empty. A time at or before now means work is due.
func (q *Queue) NextWake(now time.Time) (at time.Time, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		t := e.NextRetry
		if t.Before(now) {
			t = now
		}
		if !ok || t.Before(at) {
			at, ok = t, true
		}
	}
	return at, ok
}

// Notify returns a channel signalled after each Enqueue.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Len = len(q.entries)
	return s
}

// Snapshot copies every queued entry in order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// Restore loads previously spooled entries ahead of anything enqueued
// since. Attempt counts are kept but every entry is due at once, a
// restart being the next retry. Sequence numbers are reassigned in the
// given order. Entries beyond capacity are evicted oldest first.
func (q *Queue) Restore(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	restored := make([]*Entry, 0, len(entries)+len(q.entries))
	for i := range entries {
		e := entries[i]
		if e.ID == "" {
			e.ID = e.Event.ID
		}
		e.NextRetry = time.Time{}
		restored = append(restored, &e)
	}
	restored = append(restored, q.entries...)
	for i, e := range restored {
		e.Seq = uint64(i + 1)
	}
	q.seq = uint64(len(restored))
	if over := len(restored) - q.capacity; over > 0 {
		restored = restored[over:]
		q.stats.Evicted += int64(over)
	}
	q.entries = restored
	q.mu.Unlock()

	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) index(id string) int {
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) remove(i int) {
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
}
