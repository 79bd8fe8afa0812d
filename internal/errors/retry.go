package errors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"tracedash/internal/logging"
)

// RetryConfig bounds how often a transient failure is repeated. The zero
// value makes exactly one attempt.
type RetryConfig struct {
	// MaxAttempts counts retries after the first call.
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter float64 `yaml:"jitter" mapstructure:"jitter"`
}

// DefaultRetryConfig is tuned for starting traces against a remote backend.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.25,
	}
}

// backoff returns the wait before retry number attempt (zero based).
func (c RetryConfig) backoff(attempt int, random func() float64) time.Duration {
	delay := c.BaseDelay << attempt
	if delay < c.BaseDelay || (c.MaxDelay > 0 && delay > c.MaxDelay) {
		delay = c.MaxDelay
	}
	if c.Jitter > 0 && random != nil {
		spread := float64(delay) * c.Jitter
		delay += time.Duration((random()*2 - 1) * spread)
	}
	if delay < 0 {
		return 0
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// Do calls fn until it succeeds, fails with anything but a transient error,
// the retry budget is spent, or ctx ends.
func Do[T any](ctx context.Context, config RetryConfig, logger logging.Logger, fn func(context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)
	var zero T

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry aborted: %w", err)
		}

		result, err := fn(ctx)
		switch {
		case err == nil:
			if attempt > 0 {
				logger.Info("Call succeeded on attempt %d", attempt+1)
			}
			return result, nil
		case !IsTransient(err):
			return zero, err
		case config.MaxAttempts <= 0:
			return zero, err
		case attempt >= config.MaxAttempts:
			logger.Warn("Giving up after %d attempts: %v", attempt+1, err)
			return zero, fmt.Errorf("gave up after %d attempts: %w", attempt+1, err)
		}

		delay := config.backoff(attempt, rand.Float64)
		logger.Debug("Attempt %d failed (%v), retrying in %v", attempt+1, err, delay)
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry aborted: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
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
