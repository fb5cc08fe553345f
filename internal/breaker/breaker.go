// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

// Package breaker wraps sony/gobreaker v2 with named instances, Prometheus
// instrumentation and a typed circuit-open error carrying the remaining
// cool-down, so callers can defer work instead of hammering a dependency
// that is already down.
//
// State machine: CLOSED -> OPEN after FailureThreshold consecutive
// failures; OPEN rejects immediately until Timeout elapses; HALF_OPEN
// admits up to SuccessThreshold trial calls and closes after that many
// consecutive successes; any HALF_OPEN failure reopens the circuit.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/omenhq/omen/internal/logging"
	"github.com/omenhq/omen/internal/metrics"
)

// Config holds the thresholds for one breaker instance.
type Config struct {
	// Name identifies the downstream dependency this breaker guards.
	Name string

	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold uint32

	// SuccessThreshold is the consecutive-success count in HALF_OPEN
	// that closes the circuit. It also bounds concurrent trial calls.
	SuccessThreshold uint32

	// Timeout is how long the circuit stays OPEN before trial calls are
	// admitted.
	Timeout time.Duration
}

// OpenError is returned when a call is rejected because the circuit is
// open (or trial capacity in HALF_OPEN is exhausted).
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Name, e.RetryAfter)
}

// IsOpen reports whether err is a circuit-open rejection.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Stats is a snapshot of one breaker's cumulative counters.
type Stats struct {
	State                string
	TotalCalls           uint64
	TotalSuccesses       uint64
	TotalFailures        uint64
	TotalRejections      uint64
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
	LastStateChange      time.Time
}

// Breaker is one named circuit breaker instance. Safe for concurrent use.
type Breaker struct {
	name    string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[any]

	totalCalls      atomic.Uint64
	totalSuccesses  atomic.Uint64
	totalFailures   atomic.Uint64
	totalRejections atomic.Uint64

	mu         sync.RWMutex
	openedAt   time.Time
	lastChange time.Time
}

// New constructs a breaker from cfg.
func New(cfg Config) *Breaker {
	b := &Breaker{
		name:       cfg.Name,
		timeout:    cfg.Timeout,
		lastChange: time.Now(),
	}

	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)

	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			now := time.Now()
			b.mu.Lock()
			b.lastChange = now
			if to == gobreaker.StateOpen {
				b.openedAt = now
			}
			b.mu.Unlock()

			logging.Info().
				Str("breaker", name).
				Str("from", stateString(from)).
				Str("to", stateString(to)).
				Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateString(from), stateString(to)).Inc()
		},
	})

	return b
}

// Call runs fn under breaker protection. A rejected call returns
// *OpenError without invoking fn.
func (b *Breaker) Call(fn func() (any, error)) (any, error) {
	b.totalCalls.Add(1)

	result, err := b.cb.Execute(fn)
	switch {
	case err == nil:
		b.totalSuccesses.Add(1)
		metrics.CircuitBreakerCalls.WithLabelValues(b.name, "success").Inc()
		return result, nil

	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.totalRejections.Add(1)
		metrics.CircuitBreakerCalls.WithLabelValues(b.name, "rejected").Inc()
		return nil, &OpenError{Name: b.name, RetryAfter: b.retryAfter()}

	default:
		b.totalFailures.Add(1)
		metrics.CircuitBreakerCalls.WithLabelValues(b.name, "failure").Inc()
		return nil, err
	}
}

// Available reports whether a call would currently be admitted.
func (b *Breaker) Available() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// RetryAfter returns the remaining cool-down while open, zero otherwise.
func (b *Breaker) RetryAfter() time.Duration {
	if b.cb.State() != gobreaker.StateOpen {
		return 0
	}
	return b.retryAfter()
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return stateString(b.cb.State())
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	counts := b.cb.Counts()
	b.mu.RLock()
	lastChange := b.lastChange
	b.mu.RUnlock()

	return Stats{
		State:                b.State(),
		TotalCalls:           b.totalCalls.Load(),
		TotalSuccesses:       b.totalSuccesses.Load(),
		TotalFailures:        b.totalFailures.Load(),
		TotalRejections:      b.totalRejections.Load(),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		LastStateChange:      lastChange,
	}
}

func (b *Breaker) retryAfter() time.Duration {
	b.mu.RLock()
	openedAt := b.openedAt
	b.mu.RUnlock()

	if openedAt.IsZero() {
		return b.timeout
	}
	remaining := b.timeout - time.Since(openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
