package agent

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	// watch
	WatchedDirs    int   `json:"watched_dirs"`
	WatchErrors    int64 `json:"watch_errors"`
	WatchOverflows int64 `json:"watch_overflows"`
	Rescans        int64 `json:"rescans"`

	// debounce
	RawEvents       int64 `json:"raw_events"`
	SettledEvents   int64 `json:"settled_events"`
	CancelledEvents int64 `json:"cancelled_events"`
	PairedMoves     int64 `json:"paired_moves"`

	// classify
	Ignored          int64 `json:"ignored"`
	Classified       int64 `json:"classified"`
	Clean            int64 `json:"clean"`
	Unreadable       int64 `json:"unreadable"`
	Binary           int64 `json:"binary"`
	Skipped          int64 `json:"skipped"`
	Degraded         int64 `json:"degraded"`
	DetectorFailures int64 `json:"detector_failures"`
	Panics           int64 `json:"panics"`

	// delivery
	Restored         int64 `json:"restored"`
	Enqueued         int64 `json:"enqueued"`
	Queued           int   `json:"queued"`
	Evicted          int64 `json:"evicted"`
	Expired          int64 `json:"expired"`
	Delivered        int64 `json:"delivered"`
	DeliveryAttempts int64 `json:"delivery_attempts"`
	DeliveryFailures int64 `json:"delivery_failures"`
	BreakerTrips     int64 `json:"breaker_trips"`
}

// Dropped is every report removed from the queue without delivery.
func (s Stats) Dropped() int64 { return s.Evicted + s.Expired }

// Stats returns the current counters.
func (h *Handle) Stats() Stats {
	d := h.deb.Stats()
	q := h.queue.Stats()
	r := h.reporter.Stats()

	s := Stats{
		Rescans:         h.rescanned.Load(),
		RawEvents:       d.Raw,
		SettledEvents:   d.Settled,
		CancelledEvents: d.Cancelled,
		PairedMoves:     d.Paired,

		Ignored:          h.ignored.Load(),
		Classified:       h.classified.Load(),
		Clean:            h.clean.Load(),
		Unreadable:       h.unreadable.Load(),
		Binary:           h.binary.Load(),
		Skipped:          h.skipped.Load(),
		Degraded:         h.degraded.Load(),
		DetectorFailures: h.detectorFailures.Load(),
		Panics:           h.panics.Load(),

		Restored:         h.restored.Load(),
		Enqueued:         q.Enqueued,
		Queued:           q.Len,
		Evicted:          q.Evicted,
		Expired:          q.Expired,
		Delivered:        r.Delivered,
		DeliveryAttempts: r.Attempts,
		DeliveryFailures: r.Failures,
		BreakerTrips:     r.BreakerTrips,
	}
	if h.watcher != nil {
		s.WatchedDirs = len(h.watcher.Watched())
		s.WatchErrors = h.watcher.Failures()
		s.WatchOverflows = h.watcher.Overflows()
	}
	return s
}
