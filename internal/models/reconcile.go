// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package models

import "time"

// ReconcileStatus is the terminal status of one reconcile run.
type ReconcileStatus string

const (
	ReconcileCompleted ReconcileStatus = "COMPLETED"
	ReconcilePartial   ReconcileStatus = "PARTIAL"
	ReconcileFailed    ReconcileStatus = "FAILED"
)

// ReconcileState is the latest reconcile bookkeeping for one partition.
// Upserted after every run; the full run history lives in the append-only
// reconcile_history table.
type ReconcileState struct {
	Partition         string          `json:"partition"`
	LastReconcileAt   time.Time       `json:"last_reconcile_at"`
	LedgerHighwater   uint64          `json:"ledger_highwater"`
	ManifestRevision  int64           `json:"manifest_revision"`
	LedgerRecordCount int             `json:"ledger_record_count"`
	ProcessedCount    int             `json:"processed_count"`
	MissingCount      int             `json:"missing_count"`
	Status            ReconcileStatus `json:"status"`
}

// ReconcileReport summarizes one reconcile run for a partition. Persisted
// to history and returned to the operator that triggered the run.
type ReconcileReport struct {
	RunID          string          `json:"run_id"`
	Partition      string          `json:"partition"`
	Status         ReconcileStatus `json:"status"`
	Reason         string          `json:"reason"`
	LedgerCount    int             `json:"ledger_count"`
	ProcessedCount int             `json:"processed_count"`
	MissingCount   int             `json:"missing_count"`
	ReplayedCount  int             `json:"replayed_count"`
	ReplayedIDs    []string        `json:"replayed_ids,omitempty"`
	DurationMS     int64           `json:"duration_ms"`
	StartedAt      time.Time       `json:"started_at"`
}
