// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package models

import (
	"hash/crc32"
	"time"

	"github.com/goccy/go-json"
)

// CurrentSchemaVersion is the version stamped on newly written ledger
// records. Older versions are upgraded on read by the schema registry.
const CurrentSchemaVersion = 3

// LedgerRecord is the immutable envelope a Signal is persisted under in
// the append-only ledger. Created once at write time; never mutated, only
// superseded by new records.
type LedgerRecord struct {
	// SchemaVersion is the envelope schema version this record was
	// written under.
	SchemaVersion int `json:"schema_version"`

	// ObservedAt is the source-side observation time (copied from the
	// signal so the envelope is self-describing on replay).
	ObservedAt time.Time `json:"observed_at"`

	// EmittedAt is the ledger write time.
	EmittedAt time.Time `json:"emitted_at"`

	// Partition is the date partition the record was appended to.
	Partition string `json:"ledger_partition"`

	// Sequence is the monotonic, gap-free sequence number within the
	// partition, assigned at commit.
	Sequence uint64 `json:"ledger_sequence"`

	// Checksum is the IEEE CRC32 over the serialized signal payload.
	Checksum uint32 `json:"checksum"`

	// Length is the serialized signal payload length in bytes.
	Length int `json:"length"`

	// Signal is the serialized signal the checksum covers.
	Signal json.RawMessage `json:"signal"`
}

// Verify recomputes the CRC over the embedded signal bytes and reports
// whether it matches the stored checksum. A false return means the
// record is corrupt; callers must surface this, never treat it as empty.
func (r *LedgerRecord) Verify() bool {
	return len(r.Signal) == r.Length && crc32.ChecksumIEEE(r.Signal) == r.Checksum
}

// DecodeSignal unmarshals the embedded signal payload.
func (r *LedgerRecord) DecodeSignal() (*Signal, error) {
	var s Signal
	if err := json.Unmarshal(r.Signal, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
