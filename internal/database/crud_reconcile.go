// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/omenhq/omen/internal/models"
)

// ErrReconcileStateNotFound is returned when a partition has never been
// reconciled.
var ErrReconcileStateNotFound = errors.New("reconcile state not found")

// GetReconcileState returns the latest reconcile state for a partition.
func (db *DB) GetReconcileState(ctx context.Context, partition string) (*models.ReconcileState, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	const query = `SELECT
		partition, last_reconcile_at, ledger_highwater, manifest_revision,
		ledger_record_count, processed_count, missing_count, status
	FROM reconcile_state WHERE partition = ?`

	var st models.ReconcileState
	err := db.conn.QueryRowContext(ctx, query, partition).Scan(
		&st.Partition, &st.LastReconcileAt, &st.LedgerHighwater, &st.ManifestRevision,
		&st.LedgerRecordCount, &st.ProcessedCount, &st.MissingCount, &st.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrReconcileStateNotFound, partition)
	}
	if err != nil {
		return nil, fmt.Errorf("get reconcile state: %w", err)
	}
	return &st, nil
}

// UpsertReconcileState replaces the partition's latest state row.
func (db *DB) UpsertReconcileState(ctx context.Context, st *models.ReconcileState) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	const upsert = `INSERT INTO reconcile_state (
		partition, last_reconcile_at, ledger_highwater, manifest_revision,
		ledger_record_count, processed_count, missing_count, status
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (partition) DO UPDATE SET
		last_reconcile_at = excluded.last_reconcile_at,
		ledger_highwater = excluded.ledger_highwater,
		manifest_revision = excluded.manifest_revision,
		ledger_record_count = excluded.ledger_record_count,
		processed_count = excluded.processed_count,
		missing_count = excluded.missing_count,
		status = excluded.status`

	_, err := db.conn.ExecContext(ctx, upsert,
		st.Partition, st.LastReconcileAt, st.LedgerHighwater, st.ManifestRevision,
		st.LedgerRecordCount, st.ProcessedCount, st.MissingCount, string(st.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert reconcile state: %w", err)
	}
	return nil
}

// InsertReconcileHistory appends one run report to the audit history.
// History rows are never updated or deleted.
func (db *DB) InsertReconcileHistory(ctx context.Context, report *models.ReconcileReport) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	replayedIDs, err := json.Marshal(report.ReplayedIDs)
	if err != nil {
		return fmt.Errorf("marshal replayed ids: %w", err)
	}

	const insert = `INSERT INTO reconcile_history (
		run_id, partition, started_at, status, reason,
		ledger_count, processed_count, missing_count, replayed_count,
		replayed_ids, duration_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.ExecContext(ctx, insert,
		report.RunID, report.Partition, report.StartedAt, string(report.Status), report.Reason,
		report.LedgerCount, report.ProcessedCount, report.MissingCount, report.ReplayedCount,
		string(replayedIDs), report.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert reconcile history: %w", err)
	}
	return nil
}

// ListReconcileHistory returns up to limit runs for a partition, newest
// first.
func (db *DB) ListReconcileHistory(ctx context.Context, partition string, limit int) ([]*models.ReconcileReport, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	const query = `SELECT
		run_id, partition, started_at, status, reason,
		ledger_count, processed_count, missing_count, replayed_count,
		replayed_ids, duration_ms
	FROM reconcile_history WHERE partition = ?
	ORDER BY started_at DESC LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, partition, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconcile history: %w", err)
	}
	defer rows.Close()

	var reports []*models.ReconcileReport
	for rows.Next() {
		var (
			r           models.ReconcileReport
			replayedIDs sql.NullString
			reason      sql.NullString
		)
		if err := rows.Scan(
			&r.RunID, &r.Partition, &r.StartedAt, &r.Status, &reason,
			&r.LedgerCount, &r.ProcessedCount, &r.MissingCount, &r.ReplayedCount,
			&replayedIDs, &r.DurationMS,
		); err != nil {
			return nil, fmt.Errorf("scan reconcile history: %w", err)
		}
		if reason.Valid {
			r.Reason = reason.String
		}
		if replayedIDs.Valid && replayedIDs.String != "" {
			if err := json.Unmarshal([]byte(replayedIDs.String), &r.ReplayedIDs); err != nil {
				return nil, fmt.Errorf("unmarshal replayed ids: %w", err)
			}
		}
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}
