// ABOUTME: Exponential reconnect backoff with a cap and an attempt counter
// ABOUTME: Never gives up: past MaxAttempts it holds at the maximum delay

package transport

import "time"

// Default backoff settings.
const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 30 * time.Second
	DefaultFactor    = 1.5
)

// Backoff computes successive reconnect delays. It is not safe for
// concurrent use; the Client guards it with its own mutex.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	// MaxAttempts > 0 pins the delay at Max once that many attempts
	// have been scheduled. Zero means the delay only grows to Max.
	MaxAttempts int

	delay    time.Duration
	attempts int
}

// NewBackoff returns a Backoff, replacing zero values with defaults.
func NewBackoff(base, max time.Duration, factor float64, maxAttempts int) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if max < base {
		max = base
	}
	if factor < 1 {
		factor = DefaultFactor
	}
	return &Backoff{
		Base:        base,
		Max:         max,
		Factor:      factor,
		MaxAttempts: maxAttempts,
		delay:       base,
	}
}

// Next returns the delay to wait before the next attempt and advances the
// sequence: base, base*factor, base*factor^2, ... clamped to Max.
func (b *Backoff) Next() time.Duration {
	if b.delay <= 0 {
		b.delay = b.Base
	}
	d := b.delay
	if b.MaxAttempts > 0 && b.attempts >= b.MaxAttempts {
		d = b.Max
	}
	b.attempts++

	next := time.Duration(float64(b.delay) * b.Factor)
	if next > b.Max || next <= 0 {
		next = b.Max
	}
	b.delay = next
	return d
}

// Reset returns the sequence to its base delay after a successful connect.
func (b *Backoff) Reset() {
	b.delay = b.Base
	b.attempts = 0
}

// Delay reports the delay the next call to Next would return.
func (b *Backoff) Delay() time.Duration {
	if b.MaxAttempts > 0 && b.attempts >= b.MaxAttempts {
		return b.Max
	}
	return b.delay
}

// Attempts reports how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int { return b.attempts }
