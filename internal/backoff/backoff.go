// Package backoff computes retry delays for the background processors.
package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBase   = time.Second
	DefaultMax    = 5 * time.Minute
	DefaultJitter = 250 * time.Millisecond
)

// Policy is exponential backoff with an upper bound and additive jitter.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// Default returns the policy used when none is configured.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, Jitter: DefaultJitter}
}

// Delay returns the wait before retry number attempt (1-based): Base doubled
// attempt-1 times, capped at Max, plus up to Jitter.
func (p Policy) Delay(attempt int) time.Duration {
	base, limit := p.Base, p.Max
	if base <= 0 {
		base = DefaultBase
	}
	if limit < base {
		limit = base
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return withJitter(d, p.Jitter)
}

// After returns the time of retry number attempt counted from now.
func (p Policy) After(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}

// Next doubles current, starting from base and capped at max. The loops use
// it to slow down after consecutive batch errors.
func Next(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d, window time.Duration) time.Duration {
	if d <= 0 || window <= 0 {
		return d
	}
	return d + rand.N(window)
}
