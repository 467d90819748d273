// Package resilience provides the cross-cutting failure-handling layer that
// wraps every outbound vendor and repository call: an error taxonomy with
// retry classification, an exponential-backoff retry policy, and a circuit
// breaker. Policies are plain higher-order wrappers so any operation can be
// composed without framework plumbing.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies an error for retry and circuit-breaker decisions.
type Kind string

const (
	// KindTransient covers network failures, timeouts, upstream 5xx and
	// rate-limit signals. Retriable; counts toward breaker failures.
	KindTransient Kind = "transient"

	// KindPermanent covers malformed payloads, validation failures, and
	// business-rule violations. Never retried.
	KindPermanent Kind = "permanent"

	// KindCircuitOpen marks a fast-fail rejection issued without attempting
	// the underlying call. Distinct so callers can tell "service degraded"
	// from "this call failed".
	KindCircuitOpen Kind = "circuit_open"
)

// Error carries the classification alongside the underlying cause.
type Error struct {
	Kind      Kind
	Op        string
	Field     string // offending field for permanent validation errors
	Err       error
	Timestamp time.Time
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s error on field %s: %v", e.Op, e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retriable transient failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err, Timestamp: time.Now()}
}

// Permanent wraps err as a non-retriable failure, recording the offending
// field when known.
func Permanent(op, field string, err error) *Error {
	return &Error{Kind: KindPermanent, Op: op, Field: field, Err: err, Timestamp: time.Now()}
}

// ErrCircuitOpen is the sentinel returned when a breaker rejects a call
// without attempting it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// IsRetriable reports whether err should be retried. Classified errors are
// trusted; everything else is classified heuristically. Circuit-open
// rejections are not retriable from the retry policy's perspective.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindTransient
	}
	return classify(err) == KindTransient
}

// KindOf returns the taxonomy kind for err, classifying unwrapped errors by
// content the way the vendor and storage layers surface them.
func KindOf(err error) Kind {
	if errors.Is(err, ErrCircuitOpen) {
		return KindCircuitOpen
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return classify(err)
}

// classify buckets an unclassified error. Timeouts and connectivity problems
// are transient; context cancellation is treated as transient so a timed-out
// call can be retried by the caller that owns the deadline.
func classify(err error) Kind {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no route to host",
		"temporarily unavailable",
		"service unavailable",
		"too many requests",
		"rate limit",
		"timeout",
		"eof",
		"5xx",
		"internal server error",
		"bad gateway",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return KindTransient
		}
	}

	return KindPermanent
}
