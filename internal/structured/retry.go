package structured

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

// RetryPolicy retries transport failures of inference calls with
// exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 1s initial delay, 2x multiplier
// and a 30s cap.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetry reports whether err is transient and attempt is still within
// MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return isRetryable(err)
}

// isRetryable classifies errors by message. Context cancellation and
// auth/validation failures are permanent; unknown errors are retried.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())

	for _, transient := range []string{"connection refused", "connection reset", "timeout", "temporary failure", "429", "503", "overloaded"} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	for _, permanent := range []string{"invalid", "unauthorized", "forbidden", "401", "403"} {
		if strings.Contains(msg, permanent) {
			return false
		}
	}
	return true
}

// NextDelay returns InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn until it succeeds, the error is permanent, attempts run
// out, or ctx is done. The last error is returned.
func (p *RetryPolicy) Execute(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= max(p.MaxAttempts, 1); attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil || !p.ShouldRetry(lastErr, attempt) {
			return lastErr
		}

		timer := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
