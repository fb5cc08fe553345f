// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

// Package database provides the DuckDB-backed stores of the delivery
// subsystem: the consumer-side idempotent ingest store
// (processed_signals) and the reconcile bookkeeping tables
// (reconcile_state, reconcile_history).
//
// Idempotency relies on DuckDB's primary-key constraint as the atomic
// "insert or detect conflict" primitive; there is no application-level
// locking around the dedup path.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/omenhq/omen/internal/config"
	"github.com/omenhq/omen/internal/logging"
)

// defaultQueryTimeout bounds queries whose context carries no deadline.
const defaultQueryTimeout = 15 * time.Second

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn *sql.DB
	cfg  config.DatabaseConfig
}

// Open opens (or creates) the DuckDB database and applies the schema.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	dsn := fmt.Sprintf("%s?threads=%d", cfg.Path, threads)
	if cfg.MaxMemory != "" {
		dsn += "&max_memory=" + cfg.MaxMemory
	}

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	db := &DB{conn: conn, cfg: cfg}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}

	logging.Info().
		Str("path", cfg.Path).
		Int("threads", threads).
		Msg("database opened")
	return db, nil
}

func (db *DB) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS processed_signals (
			signal_id       VARCHAR PRIMARY KEY,
			trace_id        VARCHAR NOT NULL,
			source_event_id VARCHAR NOT NULL,
			ack_id          VARCHAR NOT NULL,
			processed_at    TIMESTAMP NOT NULL,
			emitted_at      TIMESTAMP,
			partition_date  VARCHAR NOT NULL,
			source          VARCHAR NOT NULL,
			payload         VARCHAR
		)`,
		`CREATE TABLE IF NOT EXISTS reconcile_state (
			partition           VARCHAR PRIMARY KEY,
			last_reconcile_at   TIMESTAMP NOT NULL,
			ledger_highwater    BIGINT NOT NULL,
			manifest_revision   BIGINT NOT NULL,
			ledger_record_count INTEGER NOT NULL,
			processed_count     INTEGER NOT NULL,
			missing_count       INTEGER NOT NULL,
			status              VARCHAR NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reconcile_history (
			run_id          VARCHAR NOT NULL,
			partition       VARCHAR NOT NULL,
			started_at      TIMESTAMP NOT NULL,
			status          VARCHAR NOT NULL,
			reason          VARCHAR,
			ledger_count    INTEGER NOT NULL,
			processed_count INTEGER NOT NULL,
			missing_count   INTEGER NOT NULL,
			replayed_count  INTEGER NOT NULL,
			replayed_ids    VARCHAR,
			duration_ms     BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_partition
			ON processed_signals (partition_date)`,
		`CREATE INDEX IF NOT EXISTS idx_history_partition
			ON reconcile_history (partition, started_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// ensureContext attaches the default query timeout when ctx has no
// deadline of its own.
func (db *DB) ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// isUniqueViolation reports whether err is DuckDB's primary-key /
// unique-constraint conflict.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate key") ||
		strings.Contains(msg, "PRIMARY KEY or UNIQUE constraint")
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	logging.Info().Msg("closing database")
	return db.conn.Close()
}
