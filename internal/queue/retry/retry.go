// Package retry computes when a failed job may run again.
//
// Without jitter the result depends only on the attempt count, the backoff
// and the supplied clock reading, so the same inputs always give the same
// time. With Jitter set, a uniform random offset in [0, Jitter) is added.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
)

// DefaultMaxDelay caps exponential growth when no cap is configured
const DefaultMaxDelay = time.Hour

// Policy holds the engine-wide retry settings
type Policy struct {
	// MaxDelay caps exponential delays. Zero means DefaultMaxDelay.
	MaxDelay time.Duration

	// Jitter adds a uniform random delay in [0, Jitter). Zero disables it.
	Jitter time.Duration

	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// Delay returns the wait before the next attempt after the given number of
// attempts has been made (attempts is 1 after the first failure)
func (p Policy) Delay(attempts int, b domain.Backoff) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := b.Base()
	if base < 0 {
		base = 0
	}

	var d time.Duration
	switch b.Type {
	case domain.BackoffExponential:
		d = p.exponential(base, attempts)
	default:
		d = base
	}

	if p.Jitter > 0 {
		d += time.Duration(p.random() * float64(p.Jitter))
	}
	return d
}

// NextRunAt returns now plus the delay for the given attempt count
func (p Policy) NextRunAt(attempts int, b domain.Backoff, now time.Time) time.Time {
	return now.Add(p.Delay(attempts, b))
}

func (p Policy) exponential(base time.Duration, attempts int) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	d := float64(base) * math.Pow(2, float64(attempts-1))
	if d > float64(maxDelay) || math.IsInf(d, 1) {
		return maxDelay
	}
	return time.Duration(d)
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64() //nolint:gosec // jitter does not need crypto randomness
}

// NextRunAt computes the next run time with the default policy
func NextRunAt(attempts int, b domain.Backoff, now time.Time) time.Time {
	return Policy{}.NextRunAt(attempts, b, now)
}
