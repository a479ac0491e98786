// Package retry runs an operation again with exponential backoff when it
// fails with an error the caller classifies as transient.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Multiplier grows the delay after every retry.
	Multiplier float64
}

// DefaultConfig returns the backoff used for part downloads.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   2,
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}
}

// Delay returns the backoff before retry number attempt (1-based).
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// RetryAfterer is implemented by errors that carry a server-requested wait.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// ErrExhausted is wrapped around the last error once every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// Do calls fn until it succeeds, returns an error for which retryable is
// false, the retries run out, or ctx is done. fn receives the 0-based attempt.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func(attempt int) error) error {
	_, err := DoResult(ctx, cfg, retryable, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// DoResult is Do for operations that return a value.
func DoResult[T any](ctx context.Context, cfg Config, retryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.Delay(attempt)
			var ra RetryAfterer
			if errors.As(lastErr, &ra) && ra.RetryAfter() > delay {
				delay = ra.RetryAfter()
			}
			slog.Debug("retrying", "attempt", attempt, "delay", delay, "error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		res, err := fn(attempt)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), err))
		}
		if retryable == nil || !retryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, cfg.MaxRetries+1, lastErr)
}
