package webhookd

import (
	"math"
	"time"
)

// BackoffStrategy computes when attempt number attempt (1-based) should run.
type BackoffStrategy interface {
	CalculateNextAttempt(attempt int) time.Time
}

// ExponentialBackoff grows the delay by multiplier per attempt, capped at
// maxDelay.
type ExponentialBackoff struct {
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
}

// NewExponentialBackoff creates an exponential backoff strategy.
func NewExponentialBackoff(baseDelay, maxDelay time.Duration, multiplier float64) *ExponentialBackoff {
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if multiplier < 1 {
		multiplier = defaultBackoffMultiplier
	}
	return &ExponentialBackoff{
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		multiplier: multiplier,
	}
}

// DefaultBackoffStrategy returns the backoff used when a subscription does not
// carry its own policy.
func DefaultBackoffStrategy() *ExponentialBackoff {
	return NewExponentialBackoff(defaultBaseDelay, defaultMaxDelay, defaultBackoffMultiplier)
}

// Delay returns the wait before the given 1-based attempt.
func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(b.baseDelay) * math.Pow(b.multiplier, float64(attempt-1)))
	if delay > b.maxDelay || delay <= 0 {
		delay = b.maxDelay
	}
	return delay
}

// CalculateNextAttempt implements BackoffStrategy.
func (b *ExponentialBackoff) CalculateNextAttempt(attempt int) time.Time {
	return time.Now().UTC().Add(b.Delay(attempt))
}
