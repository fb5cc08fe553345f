// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

// Package emitter orchestrates dual-path signal delivery: a mandatory
// append to the ledger, then a best-effort hot-path HTTP delivery to the
// downstream consumer behind a circuit breaker with retry and
// backpressure. The ledger write is the durability guarantee; the hot
// path only decides whether reconciliation has work to do later.
package emitter

import (
	"context"
	"sync"
	"time"

	"github.com/omenhq/omen/internal/breaker"
	"github.com/omenhq/omen/internal/ledger"
	"github.com/omenhq/omen/internal/logging"
	"github.com/omenhq/omen/internal/metrics"
	"github.com/omenhq/omen/internal/models"
)

// HotPathBreakerName names the circuit breaker guarding the consumer.
const HotPathBreakerName = "hot-path-consumer"

// Emitter delivers signals ledger-first. Constructed once at process
// start and shared; safe for concurrent use.
type Emitter struct {
	ledger  *ledger.Ledger
	client  *Client
	breaker *breaker.Breaker

	// Backpressure: after a hot-path failure new emits skip the HTTP
	// attempt until the window passes, resetting on the next success.
	window time.Duration

	mu           sync.Mutex
	skipUntil    time.Time
	consecutive  int
	lastHotError error
}

// New builds an emitter over the given ledger, hot-path client and
// breaker.
func New(l *ledger.Ledger, c *Client, b *breaker.Breaker, backpressureWindow time.Duration) *Emitter {
	return &Emitter{
		ledger:  l,
		client:  c,
		breaker: b,
		window:  backpressureWindow,
	}
}

// Emit writes signal to the ledger and then attempts hot-path delivery.
// The result is always a typed outcome, never a raised failure: FAILED
// only when the ledger write itself failed (nothing durable), otherwise
// at worst LEDGER_ONLY with the signal recoverable via reconciliation.
func (e *Emitter) Emit(ctx context.Context, signal *models.Signal) *models.EmitResult {
	record, err := e.ledger.Append(signal)
	if err != nil {
		// No durability, no delivery. This must be alerted upstream.
		logging.Error().Err(err).Str("signal_id", signal.SignalID).Msg("ledger write failed, signal not durable")
		metrics.EmitOutcomes.WithLabelValues(string(models.EmitFailed)).Inc()
		return &models.EmitResult{Status: models.EmitFailed, Err: err}
	}

	result := e.deliver(ctx, signal, record.EmittedAt, models.SourceHotPath)
	result.Partition = record.Partition
	result.Sequence = record.Sequence
	metrics.EmitOutcomes.WithLabelValues(string(result.Status)).Inc()
	return result
}

// Replay pushes an already-ledgered signal through the same delivery
// path as live emission, so idempotency and breaker protection apply
// uniformly. Used by the reconcile job.
func (e *Emitter) Replay(ctx context.Context, record *models.LedgerRecord) *models.EmitResult {
	signal, err := record.DecodeSignal()
	if err != nil {
		return &models.EmitResult{
			Status:    models.EmitLedgerOnly,
			Partition: record.Partition,
			Sequence:  record.Sequence,
			Reason:    "undecodable ledger record",
			Err:       err,
		}
	}

	result := e.deliver(ctx, signal, record.EmittedAt, models.SourceReconcile)
	result.Partition = record.Partition
	result.Sequence = record.Sequence
	return result
}

// deliver runs the gated hot-path attempt. The ledger write has already
// succeeded by the time this is called.
func (e *Emitter) deliver(ctx context.Context, signal *models.Signal, emittedAt time.Time, source string) *models.EmitResult {
	if e.inBackpressureWindow() {
		metrics.BackpressureSkips.Inc()
		return &models.EmitResult{
			Status: models.EmitLedgerOnly,
			Reason: "backpressure window active",
		}
	}

	if !e.breaker.Available() {
		return &models.EmitResult{
			Status: models.EmitLedgerOnly,
			Reason: "circuit open",
		}
	}

	env := &models.DeliveryEnvelope{Signal: signal, Source: source, EmittedAt: emittedAt}
	raw, err := e.breaker.Call(func() (any, error) {
		return e.client.Deliver(ctx, env)
	})

	switch {
	case err == nil:
		e.recordHotSuccess()
		ack := raw.(*models.DeliveryAck)
		if ack.Duplicate {
			return &models.EmitResult{Status: models.EmitDuplicate, HotPathAckID: ack.AckID}
		}
		return &models.EmitResult{Status: models.EmitDelivered, HotPathAckID: ack.AckID}

	case breaker.IsOpen(err):
		return &models.EmitResult{
			Status: models.EmitLedgerOnly,
			Reason: "circuit open",
			Err:    err,
		}

	default:
		e.recordHotFailure(err)
		logging.Warn().Err(err).
			Str("signal_id", signal.SignalID).
			Str("source", source).
			Msg("hot path delivery failed, signal remains ledger-only")
		return &models.EmitResult{
			Status: models.EmitLedgerOnly,
			Reason: "hot path delivery failed",
			Err:    err,
		}
	}
}

func (e *Emitter) inBackpressureWindow() bool {
	if e.window <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Now().Before(e.skipUntil)
}

func (e *Emitter) recordHotFailure(err error) {
	if e.window <= 0 {
		return
	}
	e.mu.Lock()
	e.consecutive++
	e.skipUntil = time.Now().Add(e.window)
	e.lastHotError = err
	e.mu.Unlock()
}

func (e *Emitter) recordHotSuccess() {
	e.mu.Lock()
	e.consecutive = 0
	e.skipUntil = time.Time{}
	e.lastHotError = nil
	e.mu.Unlock()
}

// ConsecutiveFailures returns the current hot-path failure streak.
func (e *Emitter) ConsecutiveFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutive
}
