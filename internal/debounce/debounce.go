// Package debounce coalesces bursts of raw filesystem events into one
// settled event per path.
//
// Each path moves through Idle -> Pending -> Settled -> Idle. Any raw event
// while Pending pushes the deadline out by the settle window. When the
// deadline passes the net effect is emitted and the path stays in flight
// until the consumer calls Done, so a path is never processed twice at
// once. Events that arrive while in flight open a new window that is armed
// again on Done.
//
// A single timer serves every path; no goroutine is created per file.
package debounce

import (
	"container/heap"
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/ppiankov/dlpwatch/internal/model"
)

// DefaultWindow is the default settle window.
const DefaultWindow = 2 * time.Second

const (
	defaultInputBuffer  = 4096
	defaultOutputBuffer = 256
)

type origin int

const (
	originExisting origin = iota // path existed before the window
	originNew                    // path appeared during the window
	originMoved                  // content arrived by a paired rename
)

// state is the per-path state machine entry. It is removed once the path
// is neither pending nor in flight.
type state struct {
	pending  bool
	inflight bool
	started  bool
	origin   origin
	from     string
	gone     bool
	away     bool // the latest event was MovedFrom
	deadline time.Time
}

// Stats are cumulative debouncer counters.
type Stats struct {
	Raw       int64
	Settled   int64
	Cancelled int64
	Paired    int64
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithSizeFunc replaces the function used to read a file's size at emit time.
func WithSizeFunc(fn func(path string) int64) Option {
	return func(d *Debouncer) { d.size = fn }
}

// WithOutputBuffer sets the settled event channel capacity.
func WithOutputBuffer(n int) Option {
	return func(d *Debouncer) { d.out = make(chan model.SettledEvent, n) }
}

// Debouncer is the per-path coalescing state machine.
type Debouncer struct {
	window time.Duration
	in     chan model.RawEvent
	out    chan model.SettledEvent
	done   chan string
	quit   chan struct{}
	size   func(string) int64

	// Owned by the Run goroutine.
	states map[string]*state
	timers deadlineHeap
	ready  []model.SettledEvent

	raw       atomic.Int64
	settled   atomic.Int64
	cancelled atomic.Int64
	paired    atomic.Int64
}

// New creates a debouncer. A non-positive window uses DefaultWindow.
func New(window time.Duration, opts ...Option) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	d := &Debouncer{
		window: window,
		in:     make(chan model.RawEvent, defaultInputBuffer),
		out:    make(chan model.SettledEvent, defaultOutputBuffer),
		done:   make(chan string, defaultInputBuffer),
		quit:   make(chan struct{}),
		size:   statSize,
		states: make(map[string]*state),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Window returns the settle window.
func (d *Debouncer) Window() time.Duration { return d.window }

// Add submits a raw event. It blocks only while the input buffer is full
// and returns immediately once the debouncer has stopped. Rescan events
// are not debounced and are ignored here.
func (d *Debouncer) Add(ev model.RawEvent) {
	if ev.Kind == model.Rescan {
		return
	}
	select {
	case d.in <- ev:
	case <-d.quit:
	}
}

// Events returns the settled event stream. It is closed when Run returns.
func (d *Debouncer) Events() <-chan model.SettledEvent { return d.out }

// Done releases a path after its settled event has been processed.
func (d *Debouncer) Done(path string) {
	select {
	case d.done <- path:
	case <-d.quit:
	}
}

// Stats returns a snapshot of the counters.
func (d *Debouncer) Stats() Stats {
	return Stats{
		Raw:       d.raw.Load(),
		Settled:   d.settled.Load(),
		Cancelled: d.cancelled.Load(),
		Paired:    d.paired.Load(),
	}
}

// Run drives the state machine until ctx is cancelled. Pending paths are
// discarded on shutdown without emitting.
func (d *Debouncer) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	defer func() {
		timer.Stop()
		close(d.quit)
		close(d.out)
	}()

	for {
		var out chan model.SettledEvent
		var next model.SettledEvent
		if len(d.ready) > 0 {
			out = d.out
			next = d.ready[0]
		}

		select {
		case <-ctx.Done():
			return

		case ev := <-d.in:
			d.observe(ev, time.Now())

		case path := <-d.done:
			d.release(path, time.Now())

		case <-timer.C:
			d.fire(time.Now())

		case out <- next:
			d.ready[0] = model.SettledEvent{}
			d.ready = d.ready[1:]
			continue
		}

		d.rearm(timer, time.Now())
	}
}

// observe folds one raw event into its path's state.
func (d *Debouncer) observe(ev model.RawEvent, now time.Time) {
	d.raw.Add(1)

	s := d.states[ev.Path]
	if s == nil {
		s = &state{}
		d.states[ev.Path] = s
	}
	if !s.pending {
		*s = state{inflight: s.inflight}
	}

	switch ev.Kind {
	case model.Created:
		if !s.started {
			s.origin = originNew
		}
		s.gone, s.away = false, false

	case model.Modified:
		if !s.started {
			s.origin = originExisting
		}
		s.gone, s.away = false, false

	case model.Deleted:
		if !s.started {
			s.origin = originExisting
		}
		s.gone, s.away = true, false

	case model.MovedFrom:
		if !s.started {
			s.origin = originExisting
		}
		s.gone, s.away = true, true

	case model.MovedTo:
		if src, ss := d.claimSource(ev.From, ev.Path); ss != nil {
			d.paired.Add(1)
			switch ss.origin {
			case originNew:
				if !s.started {
					s.origin = originNew
				}
			case originMoved:
				s.origin, s.from = originMoved, ss.from
			default:
				s.origin, s.from = originMoved, src
			}
		} else if !s.started {
			s.origin = originNew
		}
		s.gone, s.away = false, false

	default:
		return
	}

	s.started = true
	s.pending = true
	s.deadline = now.Add(d.window)
	if !s.inflight {
		heap.Push(&d.timers, deadlineEntry{path: ev.Path, at: s.deadline})
	}
}

// claimSource pairs a MovedTo with the MovedFrom of its linked source
// path. It fails when the source is unknown, not pending in this window, or
// was touched again after it moved away.
func (d *Debouncer) claimSource(src, dst string) (string, *state) {
	if src == "" || src == dst {
		return "", nil
	}
	ss := d.states[src]
	if ss == nil || !ss.pending || !ss.away {
		return "", nil
	}
	claimed := *ss
	ss.pending = false
	if !ss.inflight {
		delete(d.states, src)
	}
	return src, &claimed
}

// fire settles every pending path whose deadline has passed.
func (d *Debouncer) fire(now time.Time) {
	for d.timers.Len() > 0 && !d.timers[0].at.After(now) {
		e := heap.Pop(&d.timers).(deadlineEntry)
		s := d.states[e.path]
		if s == nil || !s.pending || s.inflight || !s.deadline.Equal(e.at) {
			continue // stale entry
		}
		d.settle(e.path, s)
	}
}

// settle emits the net effect of a path's window.
func (d *Debouncer) settle(path string, s *state) {
	s.pending = false

	var kind model.EventKind
	switch {
	case s.gone:
	case s.origin == originNew:
		kind = model.Created
	case s.origin == originMoved:
		kind = model.Moved
	default:
		kind = model.Modified
	}

	if kind == "" {
		d.cancelled.Add(1)
		delete(d.states, path)
		return
	}

	ev := model.SettledEvent{
		Path: path,
		Kind: kind,
		Size: d.size(path),
		Time: s.deadline.Add(-d.window),
	}
	if kind == model.Moved {
		ev.From = s.from
	}
	s.inflight = true
	d.settled.Add(1)
	d.ready = append(d.ready, ev)
}

// release ends a path's in-flight period and re-arms any events that
// arrived meanwhile.
func (d *Debouncer) release(path string, now time.Time) {
	s := d.states[path]
	if s == nil {
		return
	}
	s.inflight = false
	if !s.pending {
		delete(d.states, path)
		return
	}
	if s.deadline.Before(now) {
		s.deadline = now
	}
	heap.Push(&d.timers, deadlineEntry{path: path, at: s.deadline})
}

func (d *Debouncer) rearm(timer *time.Timer, now time.Time) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if d.timers.Len() == 0 {
		return
	}
	wait := d.timers[0].at.Sub(now)
	if wait < 0 {
		wait = 0
	}
	timer.Reset(wait)
}

func statSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

type deadlineEntry struct {
	path string
	at   time.Time
}

// deadlineHeap is a min-heap of path deadlines with lazy deletion.
type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadlineEntry)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
