// Package backoff paces reconnection attempts against a flaky camera link.
package backoff

import (
	"math/rand"
	"time"
)

// Policy configures the delay schedule. The deterministic part of the delay
// for attempt k is min(Base * Multiplier^k, Max); Jitter adds a uniform random
// amount in [0, Jitter) on top so a fleet of kiosks does not hammer a
// recovering sidecar in lockstep.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the push-channel reconnect defaults.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Max:         30 * time.Second,
		Multiplier:  2,
		Jitter:      500 * time.Millisecond,
		MaxAttempts: 5,
	}
}

// Backoff tracks attempts against a Policy. It is owned by exactly one
// reconnecting goroutine and is not safe for concurrent use.
type Backoff struct {
	policy  Policy
	attempt int
	rand    func() float64
}

func New(p Policy) *Backoff {
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return &Backoff{policy: p, rand: rand.Float64}
}

// Next returns the delay to wait before the next attempt and advances the
// attempt counter. The deterministic part is non-decreasing up to Policy.Max.
func (b *Backoff) Next() time.Duration {
	d := b.delayFor(b.attempt)
	b.attempt++
	if b.policy.Jitter > 0 {
		d += time.Duration(b.rand() * float64(b.policy.Jitter))
	}
	return d
}

func (b *Backoff) delayFor(attempt int) time.Duration {
	d := float64(b.policy.Base)
	for i := 0; i < attempt; i++ {
		d *= b.policy.Multiplier
		if d >= float64(b.policy.Max) {
			return b.policy.Max
		}
	}
	if d > float64(b.policy.Max) {
		return b.policy.Max
	}
	return time.Duration(d)
}

// Attempt returns how many times Next has been called since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Exhausted reports whether the attempt budget is spent. A MaxAttempts of
// zero or less means unlimited.
func (b *Backoff) Exhausted() bool {
	return b.policy.MaxAttempts > 0 && b.attempt >= b.policy.MaxAttempts
}

// Reset clears the attempt counter. Called after one successful reconnection.
func (b *Backoff) Reset() { b.attempt = 0 }
