// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

// Package metrics defines the Prometheus instrumentation for the
// signal-delivery pipeline: ledger appends, emit outcomes, circuit
// breaker state, ingest dedup and reconcile runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ledger metrics.
	LedgerAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omen_ledger_appends_total",
			Help: "Total ledger appends by partition segment (main/late)",
		},
		[]string{"segment"},
	)

	LedgerAppendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "omen_ledger_append_errors_total",
			Help: "Total failed ledger appends",
		},
	)

	LedgerAppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "omen_ledger_append_duration_seconds",
			Help:    "Duration of ledger appends in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LedgerBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "omen_ledger_bytes_written_total",
			Help: "Total bytes appended to ledger segments",
		},
	)

	LedgerCorruptFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "omen_ledger_corrupt_frames_total",
			Help: "Corrupt or truncated frames detected on read",
		},
	)

	// Emitter metrics.
	EmitOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omen_emit_outcomes_total",
			Help: "Emit outcomes by status (DELIVERED/LEDGER_ONLY/DUPLICATE/FAILED)",
		},
		[]string{"status"},
	)

	HotPathAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omen_hot_path_attempts_total",
			Help: "Hot path HTTP attempts by result (success/duplicate/retryable/terminal)",
		},
		[]string{"result"},
	)

	HotPathLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "omen_hot_path_latency_seconds",
			Help:    "Latency of hot path delivery calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BackpressureSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "omen_backpressure_skips_total",
			Help: "Emits that skipped the hot path due to the backpressure window",
		},
	)

	// Circuit breaker metrics.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omen_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omen_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omen_circuit_breaker_calls_total",
			Help: "Circuit breaker call outcomes (success/failure/rejected)",
		},
		[]string{"name", "outcome"},
	)

	// Ingest store metrics.
	IngestInserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omen_ingest_inserts_total",
			Help: "Ingest store insert outcomes (stored/duplicate/error) by source",
		},
		[]string{"outcome", "source"},
	)

	// Reconcile metrics.
	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omen_reconcile_runs_total",
			Help: "Reconcile runs by terminal status",
		},
		[]string{"status"},
	)

	ReconcileMissing = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "omen_reconcile_missing_total",
			Help: "Missing signals detected by reconciliation",
		},
	)

	ReconcileReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "omen_reconcile_replayed_total",
			Help: "Signals successfully replayed by reconciliation",
		},
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "omen_reconcile_duration_seconds",
			Help:    "Duration of per-partition reconcile runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)
)
