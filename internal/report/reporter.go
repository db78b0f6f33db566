// Package report delivers classified events to the DLP server.
//
// A single Reporter drains the delivery queue. It sleeps until new work is
// enqueued, the earliest retry comes due, or an open circuit breaker closes,
// so it never busy-polls.
package report

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ppiankov/dlpwatch/internal/queue"
)

const defaultBatch = 32

// Sender posts one report. *Client implements it.
type Sender interface {
	SendEvent(ctx context.Context, p Payload) error
}

// Hooks observe delivery outcomes. Nil hooks are skipped.
type Hooks struct {
	Delivered func(queue.Entry)
	Expired   func(queue.Entry, error)
}

// Config configures a Reporter.
type Config struct {
	Identity   Identity
	RedactMode string
	Breaker    *Breaker
	Hooks      Hooks
	Logger     *slog.Logger
}

// Stats are cumulative reporter counters.
type Stats struct {
	Attempts     int64
	Delivered    int64
	Failures     int64
	Expired      int64
	BreakerTrips int64
}

// Reporter is the single consumer of the delivery queue.
type Reporter struct {
	q       *queue.Queue
	sender  Sender
	breaker *Breaker
	id      Identity
	redact  string
	hooks   Hooks
	log     *slog.Logger
	now     func() time.Time

	attempts  atomic.Int64
	delivered atomic.Int64
	failures  atomic.Int64
	expired   atomic.Int64
}

// NewReporter creates a reporter draining q through sender.
func NewReporter(q *queue.Queue, sender Sender, cfg Config) *Reporter {
	b := cfg.Breaker
	if b == nil {
		b = NewBreaker(0, 0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		q:       q,
		sender:  sender,
		breaker: b,
		id:      cfg.Identity,
		redact:  cfg.RedactMode,
		hooks:   cfg.Hooks,
		log:     logger.With("component", "report"),
		now:     time.Now,
	}
}

// Stats returns a snapshot of the counters.
func (r *Reporter) Stats() Stats {
	return Stats{
		Attempts:     r.attempts.Load(),
		Delivered:    r.delivered.Load(),
		Failures:     r.failures.Load(),
		Expired:      r.expired.Load(),
		BreakerTrips: r.breaker.Trips(),
	}
}

// Run delivers queued reports until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		r.deliverDue(ctx)
		if ctx.Err() != nil {
			return
		}

		if wait, ok := r.nextWait(r.now()); ok {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-r.q.Notify():
		case <-timer.C:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// nextWait is the time until delivery can next make progress.
func (r *Reporter) nextWait(now time.Time) (time.Duration, bool) {
	at, ok := r.q.NextWake(now)
	if !ok {
		return 0, false
	}
	if until, open := r.breaker.OpenUntil(); open && until.After(at) {
		at = until
	}
	wait := at.Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, true
}

// deliverDue sends every due entry, oldest first, while the breaker allows.
func (r *Reporter) deliverDue(ctx context.Context) {
	for ctx.Err() == nil {
		if !r.breaker.Allow(r.now()) {
			return
		}
		due := r.q.Due(r.now(), defaultBatch)
		if len(due) == 0 {
			return
		}
		for _, e := range due {
			if ctx.Err() != nil || !r.breaker.Allow(r.now()) {
				return
			}
			r.attempt(ctx, e)
		}
	}
}

// attempt sends one entry and records the outcome.
func (r *Reporter) attempt(ctx context.Context, e queue.Entry) bool {
	r.attempts.Add(1)
	err := r.sender.SendEvent(ctx, BuildPayload(e.Event, r.id, r.redact))
	now := r.now()

	if err == nil {
		r.breaker.Success()
		if r.q.Ack(e.ID) {
			r.delivered.Add(1)
			if r.hooks.Delivered != nil {
				r.hooks.Delivered(e)
			}
		}
		return true
	}

	if ctx.Err() != nil {
		// Cancelled mid-request; not the server's fault.
		return false
	}

	r.failures.Add(1)
	if r.breaker.Failure(now) {
		r.log.Warn("delivery circuit open",
			"cooldown", r.breaker.Cooldown().String(),
			"error", err)
	}

	failed, dropped := r.q.Fail(e.ID, now)
	if dropped {
		r.expired.Add(1)
		r.log.Warn("report dropped after max attempts",
			"event_id", e.ID,
			"path", e.Event.Event.Path,
			"attempts", failed.Attempts,
			"error", err)
		if r.hooks.Expired != nil {
			r.hooks.Expired(failed, err)
		}
		return false
	}
	r.log.Debug("delivery failed",
		"event_id", e.ID,
		"attempts", failed.Attempts,
		"next_retry", failed.NextRetry,
		"error", err)
	return false
}

// Drain makes one best-effort pass over every queued entry, due or not,
// until ctx expires or the breaker opens. It returns the number delivered.
func (r *Reporter) Drain(ctx context.Context) int {
	delivered := 0
	for _, e := range r.q.Snapshot() {
		if ctx.Err() != nil || !r.breaker.Allow(r.now()) {
			break
		}
		if r.attempt(ctx, e) {
			delivered++
		}
	}
	return delivered
}

// RunHeartbeat posts a heartbeat every interval until ctx is cancelled.
// Failures are logged at debug level only.
func RunHeartbeat(ctx context.Context, c *Client, agentID string, interval time.Duration, q *queue.Queue, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "report")

	send := func() {
		s := q.Stats()
		hb := Heartbeat{
			AgentID:   agentID,
			Status:    "online",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Queued:    s.Len,
			Dropped:   s.Dropped(),
		}
		if err := c.SendHeartbeat(ctx, hb); err != nil && ctx.Err() == nil {
			logger.Debug("heartbeat failed", "error", err)
		}
	}

	send()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}
