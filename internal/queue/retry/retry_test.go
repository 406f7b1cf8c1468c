package retry

import (
	"testing"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/stretchr/testify/assert"
)

func TestPolicy_Delay(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		attempts int
		backoff  domain.Backoff
		expected time.Duration
	}{
		{
			name:     "fixed ignores attempts",
			attempts: 4,
			backoff:  domain.Backoff{Type: domain.BackoffFixed, BaseMs: 1000},
			expected: time.Second,
		},
		{
			name:     "empty type behaves as fixed",
			attempts: 2,
			backoff:  domain.Backoff{BaseMs: 250},
			expected: 250 * time.Millisecond,
		},
		{
			name:     "exponential first attempt",
			attempts: 1,
			backoff:  domain.Backoff{Type: domain.BackoffExponential, BaseMs: 500},
			expected: 500 * time.Millisecond,
		},
		{
			name:     "exponential third attempt",
			attempts: 3,
			backoff:  domain.Backoff{Type: domain.BackoffExponential, BaseMs: 500},
			expected: 2 * time.Second,
		},
		{
			name:     "exponential capped by policy",
			policy:   Policy{MaxDelay: 5 * time.Second},
			attempts: 10,
			backoff:  domain.Backoff{Type: domain.BackoffExponential, BaseMs: 1000},
			expected: 5 * time.Second,
		},
		{
			name:     "exponential huge attempt count capped by default",
			attempts: 5000,
			backoff:  domain.Backoff{Type: domain.BackoffExponential, BaseMs: 1000},
			expected: DefaultMaxDelay,
		},
		{
			name:     "zero attempts treated as first",
			attempts: 0,
			backoff:  domain.Backoff{Type: domain.BackoffExponential, BaseMs: 100},
			expected: 100 * time.Millisecond,
		},
		{
			name:     "jitter uses injected source",
			policy:   Policy{Jitter: time.Second, Rand: func() float64 { return 0.5 }},
			attempts: 1,
			backoff:  domain.Backoff{Type: domain.BackoffFixed, BaseMs: 1000},
			expected: 1500 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.policy.Delay(tt.attempts, tt.backoff))
		})
	}
}

func TestNextRunAt_Deterministic(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := domain.Backoff{Type: domain.BackoffFixed, BaseMs: 1000}

	first := NextRunAt(1, b, now)
	second := NextRunAt(1, b, now)

	assert.Equal(t, first, second)
	assert.Equal(t, now.Add(time.Second), first)
}

func TestNextRunAt_ExponentialMonotonic(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := domain.Backoff{Type: domain.BackoffExponential, BaseMs: 200}
	p := Policy{MaxDelay: time.Minute}

	prev := now
	for attempts := 1; attempts <= 20; attempts++ {
		next := p.NextRunAt(attempts, b, now)
		assert.False(t, next.Before(prev), "attempt %d went backwards", attempts)
		prev = next
	}
}

func TestPolicy_JitterBounded(t *testing.T) {
	p := Policy{Jitter: 100 * time.Millisecond}
	b := domain.Backoff{Type: domain.BackoffFixed, BaseMs: 1000}

	for i := 0; i < 50; i++ {
		d := p.Delay(1, b)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, time.Second+100*time.Millisecond)
	}
}
