package session

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// CircuitState is the state of a Breaker.
type CircuitState int32

const (
	// CircuitClosed lets restarts through.
	CircuitClosed CircuitState = iota
	// CircuitOpen blocks restarts until the timeout has elapsed.
	CircuitOpen
	// CircuitHalfOpen lets a trial restart through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker counts consecutive stream open failures of one camera and stops
// restart attempts once there are too many, until a cool-down has passed.
type Breaker struct {
	state           atomic.Int32
	failureCount    atomic.Int64
	lastFailureTime atomic.Int64
	successCount    atomic.Int64

	maxFailures       int64
	timeout           time.Duration
	recoveryThreshold int64
	logger            *slog.Logger
	now               func() time.Time
}

// NewBreaker opens after maxFailures consecutive failures, allows a trial
// after timeout and closes again after recoveryThreshold successes.
func NewBreaker(maxFailures int64, timeout time.Duration, recoveryThreshold int64, logger *slog.Logger) *Breaker {
	b := &Breaker{
		maxFailures:       maxFailures,
		timeout:           timeout,
		recoveryThreshold: recoveryThreshold,
		logger:            logger,
		now:               time.Now,
	}
	b.state.Store(int32(CircuitClosed))
	return b
}

// Allow returns nil when an attempt may proceed. An open circuit whose
// timeout has elapsed moves to half-open and allows one trial.
func (b *Breaker) Allow() error {
	if CircuitState(b.state.Load()) != CircuitOpen {
		return nil
	}

	lastFailure := time.Unix(0, b.lastFailureTime.Load())
	if b.now().Sub(lastFailure) <= b.timeout {
		return fmt.Errorf("circuit breaker is open, last failure: %v ago", b.now().Sub(lastFailure))
	}
	if b.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
		b.successCount.Store(0)
		b.logger.Info("Circuit breaker state transition",
			"from", CircuitOpen,
			"to", CircuitHalfOpen,
			"timeout_elapsed", b.now().Sub(lastFailure))
	}
	return nil
}

// RetryAfter is how long an open circuit keeps blocking. Zero otherwise.
func (b *Breaker) RetryAfter() time.Duration {
	if CircuitState(b.state.Load()) != CircuitOpen {
		return 0
	}
	wait := b.timeout - b.now().Sub(time.Unix(0, b.lastFailureTime.Load()))
	if wait < 0 {
		return 0
	}
	return wait
}

// RecordFailure counts a failure and opens the circuit when needed.
func (b *Breaker) RecordFailure() {
	b.lastFailureTime.Store(b.now().UnixNano())
	failures := b.failureCount.Add(1)
	current := CircuitState(b.state.Load())

	switch {
	case current == CircuitHalfOpen:
		b.state.Store(int32(CircuitOpen))
		b.successCount.Store(0)
		b.logger.Warn("Circuit breaker state transition",
			"from", CircuitHalfOpen,
			"to", CircuitOpen,
			"reason", "failure_during_recovery")
	case failures >= b.maxFailures && current != CircuitOpen:
		b.state.Store(int32(CircuitOpen))
		b.logger.Warn("Circuit breaker state transition",
			"from", current,
			"to", CircuitOpen,
			"failure_count", failures,
			"max_failures", b.maxFailures)
	}
}

// RecordSuccess resets the failure count and may close a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.failureCount.Store(0)

	if CircuitState(b.state.Load()) != CircuitHalfOpen {
		return
	}
	successes := b.successCount.Add(1)
	if successes >= b.recoveryThreshold &&
		b.state.CompareAndSwap(int32(CircuitHalfOpen), int32(CircuitClosed)) {
		b.logger.Info("Circuit breaker state transition",
			"from", CircuitHalfOpen,
			"to", CircuitClosed,
			"success_count", successes,
			"recovery_threshold", b.recoveryThreshold)
	}
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	return CircuitState(b.state.Load())
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int64 {
	return b.failureCount.Load()
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	old := CircuitState(b.state.Swap(int32(CircuitClosed)))
	b.failureCount.Store(0)
	b.successCount.Store(0)
	if old != CircuitClosed {
		b.logger.Info("Circuit breaker reset to CLOSED", "previous_state", old)
	}
}
