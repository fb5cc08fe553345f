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
	"time"

	"github.com/google/uuid"

	"github.com/omenhq/omen/internal/metrics"
	"github.com/omenhq/omen/internal/models"
)

// ErrProcessedNotFound is returned when no ack row exists for a signal.
var ErrProcessedNotFound = errors.New("processed signal not found")

// InsertProcessedSignal attempts the idempotent insert for one delivered
// signal. Exactly one concurrent caller per signal_id wins: it persists a
// fresh ack_id and gets duplicate=false. Every loser detects the
// primary-key conflict and gets duplicate=true with the winner's ack_id,
// never a different one and never an overwrite.
func (db *DB) InsertProcessedSignal(ctx context.Context, ps *models.ProcessedSignal) (ackID string, duplicate bool, err error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if ps.SignalID == "" {
		return "", false, fmt.Errorf("signal_id is required")
	}
	if ps.Source == "" {
		ps.Source = models.SourceHotPath
	}
	if ps.ProcessedAt.IsZero() {
		ps.ProcessedAt = time.Now().UTC()
	}
	ackID = uuid.New().String()

	const insert = `INSERT INTO processed_signals (
		signal_id, trace_id, source_event_id, ack_id,
		processed_at, emitted_at, partition_date, source, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.ExecContext(ctx, insert,
		ps.SignalID, ps.TraceID, ps.SourceEventID, ackID,
		ps.ProcessedAt, nullableTime(ps.EmittedAt), ps.PartitionDate, ps.Source, string(ps.Payload),
	)
	if err == nil {
		metrics.IngestInserts.WithLabelValues("stored", ps.Source).Inc()
		return ackID, false, nil
	}
	if !isUniqueViolation(err) {
		metrics.IngestInserts.WithLabelValues("error", ps.Source).Inc()
		return "", false, fmt.Errorf("insert processed signal: %w", err)
	}

	// Lost the race: read back the winner's ack.
	existing, err := db.GetProcessedSignal(ctx, ps.SignalID)
	if err != nil {
		return "", false, fmt.Errorf("read winning ack for %s: %w", ps.SignalID, err)
	}
	metrics.IngestInserts.WithLabelValues("duplicate", ps.Source).Inc()
	return existing.AckID, true, nil
}

// GetProcessedSignal returns the ack row for signalID, or
// ErrProcessedNotFound.
func (db *DB) GetProcessedSignal(ctx context.Context, signalID string) (*models.ProcessedSignal, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	const query = `SELECT
		signal_id, trace_id, source_event_id, ack_id,
		processed_at, emitted_at, partition_date, source, payload
	FROM processed_signals WHERE signal_id = ?`

	var (
		ps        models.ProcessedSignal
		emittedAt sql.NullTime
		payload   sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, query, signalID).Scan(
		&ps.SignalID, &ps.TraceID, &ps.SourceEventID, &ps.AckID,
		&ps.ProcessedAt, &emittedAt, &ps.PartitionDate, &ps.Source, &payload,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProcessedNotFound, signalID)
	}
	if err != nil {
		return nil, fmt.Errorf("get processed signal: %w", err)
	}
	if emittedAt.Valid {
		ps.EmittedAt = emittedAt.Time
	}
	if payload.Valid {
		ps.Payload = []byte(payload.String)
	}
	return &ps, nil
}

// ListProcessedIDs returns the signal_ids acked for a partition, in no
// particular order. Used by reconciliation to compute the missing set.
func (db *DB) ListProcessedIDs(ctx context.Context, partition string) (map[string]bool, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT signal_id FROM processed_signals WHERE partition_date = ?`, partition)
	if err != nil {
		return nil, fmt.Errorf("list processed ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan processed id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// CountBySource returns the ack row counts per delivery source for a
// partition.
func (db *DB) CountBySource(ctx context.Context, partition string) (map[string]int, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT source, COUNT(*) FROM processed_signals WHERE partition_date = ? GROUP BY source`,
		partition)
	if err != nil {
		return nil, fmt.Errorf("count by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			source string
			n      int
		)
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("scan source count: %w", err)
		}
		counts[source] = n
	}
	return counts, rows.Err()
}

// CountProcessed returns the total ack rows for a partition.
func (db *DB) CountProcessed(ctx context.Context, partition string) (int, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_signals WHERE partition_date = ?`, partition).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}
	return n, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
