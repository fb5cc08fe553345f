// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package models

// EmitStatus is the outcome class of a single emit attempt. Expected,
// frequent outcomes (duplicate, circuit open) are statuses, not errors.
type EmitStatus string

const (
	// EmitDelivered means the signal is durable in the ledger AND the
	// consumer acknowledged it on the hot path.
	EmitDelivered EmitStatus = "DELIVERED"

	// EmitLedgerOnly means the signal is durable in the ledger but hot
	// path delivery did not complete; reconciliation will heal it.
	EmitLedgerOnly EmitStatus = "LEDGER_ONLY"

	// EmitDuplicate means the consumer already holds this signal_id.
	// Treated as success of durability, not a failure.
	EmitDuplicate EmitStatus = "DUPLICATE"

	// EmitFailed means the ledger write itself failed. The signal is NOT
	// durable; this must be alerted, not silently retried.
	EmitFailed EmitStatus = "FAILED"
)

// EmitResult is the transient outcome of one emit attempt, returned to
// the caller for logging and metrics. Not persisted.
type EmitResult struct {
	Status    EmitStatus `json:"status"`
	Partition string     `json:"ledger_partition,omitempty"`
	Sequence  uint64     `json:"ledger_sequence,omitempty"`

	// HotPathAckID is the consumer-assigned ack, present for DELIVERED
	// and DUPLICATE outcomes.
	HotPathAckID string `json:"hot_path_ack_id,omitempty"`

	// Reason carries human-readable detail for LEDGER_ONLY outcomes
	// (e.g. "circuit open", "retries exhausted").
	Reason string `json:"reason,omitempty"`

	// Err is the underlying error for FAILED and LEDGER_ONLY outcomes.
	Err error `json:"-"`
}
