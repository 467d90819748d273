// Package ratelimit provides the windowed token bucket that gates every call
// to the upstream market data vendor. Exhausting the budget never fails a
// caller; it degrades to waiting for the window to roll over.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the rolling window the per-minute call budget applies to.
const DefaultWindow = time.Minute

// Limiter grants at most callsPerWindow permits per rolling window. It is
// safe for concurrent use; the token counter and window start are guarded by
// a single mutex.
type Limiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	used        int
	windowStart time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter creates a limiter allowing callsPerWindow permits per window.
// A non-positive callsPerWindow is coerced to 1 so the limiter always makes
// progress.
func NewLimiter(callsPerWindow int, window time.Duration) *Limiter {
	if callsPerWindow <= 0 {
		callsPerWindow = 1
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		limit:  callsPerWindow,
		window: window,
		now:    time.Now,
	}
}

// Acquire blocks until a permit is available or ctx is done. It returns an
// error only for context cancellation, never for budget exhaustion.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryAcquire()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// tryAcquire takes a permit if one is free. When the budget is exhausted it
// returns how long until the current window elapses.
func (l *Limiter) tryAcquire() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.used = 0
	}

	if l.used < l.limit {
		l.used++
		return 0, true
	}

	return l.window - now.Sub(l.windowStart), false
}

// Remaining returns the number of permits left in the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.windowStart.IsZero() || l.now().Sub(l.windowStart) >= l.window {
		return l.limit
	}
	return l.limit - l.used
}

// ResetAt returns when the current window elapses and the full budget is
// available again. The zero time means no window is in progress.
func (l *Limiter) ResetAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.windowStart.IsZero() {
		return time.Time{}
	}
	return l.windowStart.Add(l.window)
}
