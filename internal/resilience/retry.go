package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures transport-level retry beneath the breaker.
type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      bool

	// RetryIf decides whether an error is worth retrying. Nil retries
	// nothing.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns conservative retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  2,
		BackoffBase: 200 * time.Millisecond,
		BackoffMax:  5 * time.Second,
		Jitter:      true,
	}
}

// Retry executes fn with exponential backoff until it succeeds, the
// error is not retriable, the context ends, or attempts run out.
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt, config.BackoffBase, config.BackoffMax, config.Jitter)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryIf == nil || !config.RetryIf(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff computes base * 2^attempt capped at max, with
// optional ±25% jitter.
func calculateBackoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	backoff := base * time.Duration(math.Pow(2, float64(attempt)))

	if backoff > max {
		backoff = max
	}

	if jitter {
		jitterRange := float64(backoff) * 0.25
		jitterAmount := (rand.Float64() - 0.5) * 2 * jitterRange
		backoff = backoff + time.Duration(jitterAmount)
	}

	if backoff < 0 {
		backoff = base
	}

	return backoff
}
