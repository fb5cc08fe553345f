// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Delivery sources recorded on consumer-side ack rows.
const (
	SourceHotPath   = "hot_path"
	SourceReconcile = "reconcile"
)

// ProcessedSignal is the consumer-side ack record, keyed by signal_id.
// Exactly one row exists per signal_id regardless of how many delivery
// attempts race; rows are never updated or deleted (audit retention).
type ProcessedSignal struct {
	SignalID      string          `json:"signal_id"`
	TraceID       string          `json:"trace_id"`
	SourceEventID string          `json:"source_event_id"`
	AckID         string          `json:"ack_id"`
	ProcessedAt   time.Time       `json:"processed_at"`
	EmittedAt     time.Time       `json:"emitted_at"`
	PartitionDate string          `json:"partition_date"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}
