package stepd

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Jitter adds random jitter to a duration to prevent thundering herd.
// jitterFraction is between 0.0 (no jitter) and 1.0 (up to 100% jitter).
func Jitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}
	if jitterFraction > 1.0 {
		jitterFraction = 1.0
	}

	jitter := rand.Float64() * jitterFraction

	// duration * (1 ± jitter)
	multiplier := 1.0 + (jitter * 2.0) - jitterFraction
	return time.Duration(float64(duration) * multiplier)
}

// ExponentialBackoff returns baseDelay * 2^attempt capped at maxDelay, with
// ±25% jitter. attempt is the number of failed attempts so far.
func ExponentialBackoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := maxDelay
	if d := float64(baseDelay) * math.Pow(2, float64(attempt)); d < float64(maxDelay) {
		delay = time.Duration(d)
	}

	return Jitter(delay, 0.25)
}

// RetryPolicy bounds the retries of a report to the launching host.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy retries five times over roughly three seconds.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}

// retry calls fn until it succeeds, the attempts are used up or ctx ends.
// It returns the last error.
func (p RetryPolicy) retry(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ExponentialBackoff(attempt, p.BaseDelay, p.MaxDelay)):
		}
	}
	return err
}
