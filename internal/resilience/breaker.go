package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CircuitState is the breaker's position in its CLOSED→OPEN→HALF_OPEN cycle.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures in CLOSED trip the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive HALF_OPEN successes re-close it.
	SuccessThreshold int
	// Timeout is how long OPEN rejects calls before probing.
	Timeout time.Duration
	// HalfOpenMaxProbes bounds concurrent probe calls in HALF_OPEN.
	HalfOpenMaxProbes int
}

// DefaultBreakerConfig returns the configuration used for vendor calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		Timeout:           30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker stops calling a failing dependency for a cooldown period.
// All state lives behind one mutex so transitions are atomic under
// concurrent callers.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	logger *slog.Logger

	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	successCount  int
	lastFailureAt time.Time
	probesInUse   int

	now func() time.Time
}

// NewCircuitBreaker creates a breaker in the CLOSED state. Zero-valued
// config fields fall back to defaults.
func NewCircuitBreaker(name string, config BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.HalfOpenMaxProbes <= 0 {
		config.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger.With("breaker", name),
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs op through the breaker. When the breaker is OPEN the call is
// rejected with ErrCircuitOpen without invoking op. Only transient failures
// count toward tripping; a permanent error passes through without moving
// the state machine.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := op(ctx)
	cb.afterCall(err)
	return err
}

// Wrap returns an Operation guarded by the breaker, composable with
// RetryPolicy.Wrap.
func (cb *CircuitBreaker) Wrap(op Operation) Operation {
	return func(ctx context.Context) error {
		return cb.Execute(ctx, op)
	}
}

// beforeCall admits or rejects the call and claims a probe slot in HALF_OPEN.
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastFailureAt) < cb.config.Timeout {
			return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
		}
		cb.transitionTo(StateHalfOpen)
		cb.probesInUse = 1
		return nil
	case StateHalfOpen:
		if cb.probesInUse >= cb.config.HalfOpenMaxProbes {
			return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
		}
		cb.probesInUse++
		return nil
	default:
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}
}

// afterCall records the outcome and drives the state machine.
func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.probesInUse > 0 {
		cb.probesInUse--
	}

	if err == nil {
		cb.onSuccess()
		return
	}
	if KindOf(err) != KindTransient {
		// Permanent failures say nothing about the dependency's health.
		return
	}
	cb.onFailure()
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.lastFailureAt = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

// transitionTo moves the state machine, resetting the counters that belong
// to the new state. Callers hold cb.mu.
func (cb *CircuitBreaker) transitionTo(next CircuitState) {
	if cb.state == next {
		return
	}
	cb.logger.Info("circuit breaker state change",
		"from", cb.state.String(),
		"to", next.String(),
		"failure_count", cb.failureCount)

	cb.state = next
	switch next {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.probesInUse = 0
	case StateOpen:
		cb.successCount = 0
		cb.probesInUse = 0
	case StateHalfOpen:
		cb.successCount = 0
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns the current consecutive failure and success counters,
// useful for observability endpoints.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount, cb.successCount
}
