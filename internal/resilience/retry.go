package resilience

import (
	"context"
	"math"
	"time"
)

// RetryPolicy bounds the attempt loop of one component
type RetryPolicy struct {
	MaxRetries     int           `yaml:"max_retries"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	MaxJitter      time.Duration `yaml:"max_jitter"`
}

// DefaultRetryPolicy is used for components without their own policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		AttemptTimeout: 10 * time.Second,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		MaxJitter:      500 * time.Millisecond,
	}
}

// MaxAttempts is the first attempt plus every retry
func (p RetryPolicy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Backoff returns the delay after the given failed attempt (1-based):
// base * 2^(attempt-1) plus jitter * MaxJitter, capped at MaxDelay.
// jitter is expected in [0, 1).
func (p RetryPolicy) Backoff(attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if jitter > 0 && p.MaxJitter > 0 {
		delay += jitter * float64(p.MaxJitter)
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// NextDelay is Backoff floored at the previous delay so a retry never waits less
// than the one before it
func (p RetryPolicy) NextDelay(attempt int, jitter float64, previous time.Duration) time.Duration {
	delay := p.Backoff(attempt, jitter)
	if delay < previous {
		return previous
	}
	return delay
}

// SleepWithContext waits for d or until ctx is done
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
