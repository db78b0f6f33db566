package report

import (
	"sync"
	"time"
)

// Breaker defaults.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = time.Minute
)

// Breaker suspends delivery after consecutive failures. Once Threshold
// failures happen in a row it opens for Cooldown; when the cooldown has
// passed it closes again with a clean count.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu        sync.Mutex
	failures  int
	openUntil time.Time
	trips     int64
}

// NewBreaker creates a breaker. Non-positive arguments take defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a delivery attempt may be made at now.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return true
	}
	if now.Before(b.openUntil) {
		return false
	}
	b.openUntil = time.Time{}
	b.failures = 0
	return true
}

// Success resets the consecutive failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Failure records a failed attempt and reports whether it opened the
// circuit.
func (b *Breaker) Failure(now time.Time) (tripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold && b.openUntil.IsZero() {
		b.openUntil = now.Add(b.cooldown)
		b.trips++
		return true
	}
	return false
}

// OpenUntil returns when an open circuit closes. ok is false when the
// circuit is closed.
func (b *Breaker) OpenUntil() (at time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openUntil, !b.openUntil.IsZero()
}

// Trips returns how many times the circuit has opened.
func (b *Breaker) Trips() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

// Cooldown returns the open period.
func (b *Breaker) Cooldown() time.Duration { return b.cooldown }
