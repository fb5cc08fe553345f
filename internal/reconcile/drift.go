// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

// Package reconcile detects and repairs gaps between what the ledger
// recorded and what the consumer's ingest store actually received,
// replaying missing signals through the same delivery path as live
// emission.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/omenhq/omen/internal/database"
	"github.com/omenhq/omen/internal/models"
)

// Drift reasons returned by NeedsReconcile.
const (
	ReasonNeverReconciled = "never_reconciled"
	ReasonUpToDate        = "up_to_date"
)

// NeedsReconcile decides whether a partition needs a reconcile run.
// Drift is detected from the ledger highwater mark alone; a manifest
// revision change with an unchanged highwater does NOT trigger a run.
// That is a deliberate choice to avoid reconcile churn, not an
// oversight.
func NeedsReconcile(ctx context.Context, db *database.DB, partition string, currentHighwater uint64, currentRevision int64) (bool, string, error) {
	state, err := db.GetReconcileState(ctx, partition)
	if errors.Is(err, database.ErrReconcileStateNotFound) {
		return true, ReasonNeverReconciled, nil
	}
	if err != nil {
		return false, "", err
	}

	if state.Status != models.ReconcileCompleted {
		return true, fmt.Sprintf("previous_status_%s", strings.ToLower(string(state.Status))), nil
	}
	if currentHighwater > state.LedgerHighwater {
		return true, fmt.Sprintf("highwater_increased_%d_to_%d", state.LedgerHighwater, currentHighwater), nil
	}
	return false, ReasonUpToDate, nil
}
