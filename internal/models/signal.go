// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

// Package models defines the shared data types of the signal-delivery
// subsystem: the Signal handed in by upstream enrichment, the ledger
// envelope it is persisted under, the emit outcome returned to callers,
// and the consumer-side and reconcile bookkeeping rows.
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// PartitionLayout is the date layout used for ledger partitions.
// Partitions are keyed by the signal's observation date, not the wall
// clock at write time, so late-arriving signals land in the partition
// they logically belong to.
const PartitionLayout = "2006-01-02"

// Signal is an immutable market/logistics signal produced by the upstream
// validation/enrichment pipeline. Ownership transfers to the ledger once
// handed to the emitter; the emitter never mutates it.
type Signal struct {
	// SignalID uniquely identifies the signal and doubles as the
	// idempotency key on the hot path.
	SignalID string `json:"signal_id"`

	// SourceEventID references the raw upstream event this signal was
	// derived from.
	SourceEventID string `json:"source_event_id"`

	// TraceID links the signal into the audit chain.
	TraceID string `json:"trace_id"`

	// Probability is the predicted likelihood of the flagged condition.
	Probability float64 `json:"probability"`

	// Confidence is the model's confidence in Probability.
	Confidence float64 `json:"confidence"`

	// Category classifies the signal (e.g. "route_risk", "price_anomaly").
	Category string `json:"category"`

	// ObservedAt is the source-side observation time. It determines the
	// ledger partition.
	ObservedAt time.Time `json:"observed_at"`

	// Payload carries the free-form enriched signal body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Partition returns the date partition this signal belongs to, derived
// from ObservedAt in UTC.
func (s *Signal) Partition() string {
	return s.ObservedAt.UTC().Format(PartitionLayout)
}
