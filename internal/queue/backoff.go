package queue

import "time"

// Backoff defaults.
const (
	DefaultBackoffBase   = 5 * time.Second
	DefaultBackoffFactor = 2.0
	DefaultBackoffCap    = 5 * time.Minute
)

// Backoff computes capped exponential retry delays.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Factor < 1 {
		b.Factor = DefaultBackoffFactor
	}
	if b.Cap <= 0 {
		b.Cap = DefaultBackoffCap
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	return b
}

// Delay returns the wait after the given number of failed attempts:
// Base * Factor^(attempts-1), never more than Cap.
func (b Backoff) Delay(attempts int) time.Duration {
	b = b.withDefaults()
	if attempts < 1 {
		attempts = 1
	}
	d := float64(b.Base)
	for i := 1; i < attempts; i++ {
		d *= b.Factor
		if d >= float64(b.Cap) {
			return b.Cap
		}
	}
	return time.Duration(d)
}
