package recovery

import (
	"context"
	"math"
	"time"
)

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay for the given attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry based on the error and attempt count.
	ShouldRetry(err error, attempt int) bool
}

// ExponentialBackoff implements a standard backoff strategy.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxAttempts bounds retries of deterministic failures. Transient
	// failures are retried without limit.
	MaxAttempts int
	Classifier  Classifier
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether the failed block should be attempted again.
func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	switch s.Classifier(err) {
	case CategoryTransient:
		return true
	case CategoryDeterministic:
		return attempt < s.MaxAttempts
	default:
		return false
	}
}

// Wait sleeps for the delay of attempt or until ctx is done.
func Wait(ctx context.Context, s RetryStrategy, attempt int) bool {
	t := time.NewTimer(s.GetDelay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
