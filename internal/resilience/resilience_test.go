package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified transient", Transient("fetch", errors.New("boom")), KindTransient},
		{"classified permanent", Permanent("parse", "close", errors.New("bad payload")), KindPermanent},
		{"circuit open", fmt.Errorf("vendor: %w", ErrCircuitOpen), KindCircuitOpen},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"connection reset", errors.New("read tcp: connection reset by peer"), KindTransient},
		{"rate limited", errors.New("429 too many requests"), KindTransient},
		{"malformed", errors.New("malformed vendor row"), KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryPolicy_StopsAfterMaxAttempts(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:       4,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}

	calls := 0
	err := policy.Execute(context.Background(), "always-fails", func(ctx context.Context) error {
		calls++
		return Transient("fetch", errors.New("connection refused"))
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls, "failing operation is invoked exactly MaxAttempts times")
}

func TestRetryPolicy_NonPositiveMaxAttemptsRunsOnce(t *testing.T) {
	policy := &RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2.0}

	calls := 0
	wantErr := Transient("fetch", errors.New("connection refused"))
	err := policy.Execute(context.Background(), "single-shot", func(ctx context.Context) error {
		calls++
		return wantErr
	})

	assert.Equal(t, 1, calls, "a zero MaxAttempts still invokes the operation once")
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr, "the underlying failure must be wrapped, never a nil error")

	calls = 0
	err = policy.Execute(context.Background(), "single-shot", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_PermanentErrorNotRetried(t *testing.T) {
	policy := DefaultRetryPolicy(nil)
	policy.BaseDelay = time.Millisecond

	calls := 0
	wantErr := Permanent("parse", "close", errors.New("missing close"))
	err := policy.Execute(context.Background(), "parse", func(ctx context.Context) error {
		calls++
		return wantErr
	})

	assert.Equal(t, 1, calls)
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindPermanent, re.Kind)
	assert.Equal(t, "close", re.Field)
}

func TestRetryPolicy_CircuitOpenSurfacesImmediately(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}

	calls := 0
	err := policy.Execute(context.Background(), "guarded", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("vendor: %w", ErrCircuitOpen)
	})

	assert.Equal(t, 1, calls, "an open breaker must not consume the retry budget")
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestRetryPolicy_SucceedsMidway(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}

	calls := 0
	err := policy.Execute(context.Background(), "flaky", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient("fetch", errors.New("timeout"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker("test", cfg, nil)
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	fail := func(ctx context.Context) error { return Transient("fetch", errors.New("timeout")) }

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, cb.State())
		_ = cb.Execute(ctx, fail)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Open: fast fail without invoking the operation.
	invoked := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 30 * time.Second})
	ctx := context.Background()

	_ = cb.Execute(ctx, func(ctx context.Context) error { return Transient("fetch", errors.New("timeout")) })
	require.Equal(t, StateOpen, cb.State())

	// After the cooldown the next call is allowed through as a probe.
	*clock = clock.Add(31 * time.Second)

	ok := func(ctx context.Context) error { return nil }
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State(), "success threshold reached, breaker re-closes")

	failures, successes := cb.Counts()
	assert.Equal(t, 0, failures)
	assert.Equal(t, 0, successes)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 30 * time.Second})
	ctx := context.Background()

	_ = cb.Execute(ctx, func(ctx context.Context) error { return Transient("fetch", errors.New("timeout")) })
	require.Equal(t, StateOpen, cb.State())

	*clock = clock.Add(31 * time.Second)
	_ = cb.Execute(ctx, func(ctx context.Context) error { return Transient("fetch", errors.New("timeout")) })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error {
			return Permanent("parse", "symbol", errors.New("missing symbol"))
		})
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestRetryComposesWithBreaker(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour})
	policy := &RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}

	calls := 0
	guarded := cb.Wrap(func(ctx context.Context) error {
		calls++
		return Transient("fetch", errors.New("timeout"))
	})

	err := policy.Execute(context.Background(), "fetch", guarded)
	require.Error(t, err)

	// Two real attempts trip the breaker; the third attempt is rejected with
	// circuit-open, which the policy surfaces without further retries.
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())
}
