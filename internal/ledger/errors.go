// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package ledger

import "errors"

var (
	// ErrLedgerWrite wraps any failure to durably append a record. The
	// emitter treats it as fatal for the current signal: no hot path
	// attempt is made for a record that was not durably stored first.
	ErrLedgerWrite = errors.New("ledger write failed")

	// ErrLedgerClosed is returned after Close.
	ErrLedgerClosed = errors.New("ledger is closed")

	// ErrCorruptFrame marks a truncated or checksum-failing frame.
	// Distinct from a clean end of segment.
	ErrCorruptFrame = errors.New("corrupt ledger frame")

	// ErrChecksumMismatch marks a record whose embedded signal checksum
	// does not verify. Must be surfaced distinctly from "not found".
	ErrChecksumMismatch = errors.New("ledger record checksum mismatch")

	// ErrRecordNotFound is returned when a lookup matches no record.
	ErrRecordNotFound = errors.New("ledger record not found")

	// ErrPartitionClosed is returned when a record is dated to a
	// partition whose late-acceptance window has passed.
	ErrPartitionClosed = errors.New("partition closed for writes")
)
