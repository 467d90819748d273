package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries a fallible operation with exponential backoff. Only
// transient errors consume attempts; permanent errors and circuit-open
// rejections surface immediately without restarting the backoff clock.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
	Logger            *slog.Logger
}

// DefaultRetryPolicy mirrors the vendor client's empirically workable
// schedule: 3 attempts, 500ms base, doubling, capped at 30s.
func DefaultRetryPolicy(logger *slog.Logger) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		Logger:            logger,
	}
}

// Operation is any fallible unit of work the policy can wrap.
type Operation func(ctx context.Context) error

// Execute runs op, retrying transient failures up to MaxAttempts total
// invocations; a non-positive MaxAttempts is coerced to 1. The delay before
// attempt n is BaseDelay * BackoffMultiplier^(n-1), capped at MaxDelay, with
// optional randomized jitter.
func (p *RetryPolicy) Execute(ctx context.Context, name string, op Operation) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	schedule := p.newBackoff()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Debug("operation recovered after retry",
					"operation", name,
					"attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if !IsRetriable(err) {
			// Permanent or circuit-open: do not consume the budget.
			return err
		}
		if attempt == attempts {
			break
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			break
		}

		logger.Warn("transient failure, will retry",
			"operation", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry interrupted: %w", ctx.Err())
		}
	}

	return fmt.Errorf("operation %s failed after %d attempts: %w", name, attempts, lastErr)
}

// newBackoff builds the exponential schedule for one Execute run. A fresh
// schedule per run keeps the policy value reusable and goroutine-safe.
func (p *RetryPolicy) newBackoff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = p.BackoffMultiplier
	exp.MaxElapsedTime = 0
	if p.Jitter {
		exp.RandomizationFactor = 0.2
	} else {
		exp.RandomizationFactor = 0
	}
	exp.Reset()
	return exp
}

// Wrap composes the policy with an inner breaker (or any other wrapper):
// the returned operation retries transient failures of the wrapped call.
func (p *RetryPolicy) Wrap(name string, op Operation) Operation {
	return func(ctx context.Context) error {
		return p.Execute(ctx, name, op)
	}
}
