package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultMaxAttempts = 3
	defaultBackoff     = 250 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
)

// RetryConfig configures [Retry].
type RetryConfig struct {
	// Name labels log lines.
	Name string

	// MaxAttempts is the total number of attempts including the first.
	// Defaults to 3 if zero.
	MaxAttempts int

	// Backoff is the wait after the first failure. Doubles each attempt up to
	// MaxBackoff. Defaults to 250ms if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait between attempts. Defaults to 5s if zero.
	MaxBackoff time.Duration

	// Retryable decides whether err warrants another attempt. When nil, every
	// error except [ErrCircuitOpen] and context cancellation is retried.
	Retryable func(error) bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.Retryable == nil {
		c.Retryable = defaultRetryable
	}
	return c
}

func defaultRetryable(err error) bool {
	return !errors.Is(err, ErrCircuitOpen) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempt budget is spent, or ctx ends. attempt starts at 1. The last error
// is returned wrapped with the attempt count.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	cfg = cfg.withDefaults()
	backoff := cfg.Backoff

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return err
		}

		err = fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				slog.Info("retry succeeded", "name", cfg.Name, "attempt", attempt)
			}
			return nil
		}
		if !cfg.Retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		slog.Warn("attempt failed, retrying",
			"name", cfg.Name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"backoff", backoff,
			"err", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return fmt.Errorf("resilience: %s: giving up after %d attempts: %w", cfg.Name, cfg.MaxAttempts, err)
}
