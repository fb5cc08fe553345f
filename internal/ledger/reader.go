// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package ledger

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/goccy/go-json"

	"github.com/omenhq/omen/internal/metrics"
	"github.com/omenhq/omen/internal/models"
	"github.com/omenhq/omen/internal/schema"
)

// ReadOptions control partition reads.
type ReadOptions struct {
	// Verify recomputes each record's signal checksum; a mismatch is
	// returned as ErrChecksumMismatch instead of the record.
	Verify bool

	// IncludeLate appends the late sibling segment after the main one.
	IncludeLate bool
}

// PartitionReader is a lazy, restartable reader over one partition's
// records in append order. It is not safe for concurrent use; open one
// reader per goroutine.
type PartitionReader struct {
	opts     ReadOptions
	schemas  *schema.Registry
	paths    []string
	pathIdx  int
	file     *os.File
	scanner  *FrameScanner
	sequence uint64
}

// ReadPartition opens a reader over the partition's records. Reading is
// lazy; the caller must Close the reader.
func (l *Ledger) ReadPartition(partition string, opts ReadOptions) (*PartitionReader, error) {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return nil, ErrLedgerClosed
	}

	paths := []string{l.segmentPaths(partition)[0]}
	if opts.IncludeLate {
		paths = append(paths, l.segmentPaths(partition)[1])
	}
	return &PartitionReader{opts: opts, schemas: l.schemas, paths: paths}, nil
}

// Next returns the next record in append order. Records written under
// an older envelope version are upgraded to the current one before they
// are returned, so downstream decoding always sees the current layout.
// io.EOF signals a clean end; ErrCorruptFrame a truncated or damaged
// tail; ErrChecksumMismatch a record whose stored payload fails
// verification (only with opts.Verify).
func (r *PartitionReader) Next() (*models.LedgerRecord, error) {
	for {
		if r.scanner == nil {
			if err := r.openNextSegment(); err != nil {
				return nil, err
			}
		}

		payload, err := r.scanner.Next()
		if errors.Is(err, io.EOF) {
			r.closeSegment()
			continue
		}
		if err != nil {
			metrics.LedgerCorruptFrames.Inc()
			r.closeSegment()
			return nil, err
		}

		var record models.LedgerRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			metrics.LedgerCorruptFrames.Inc()
			return nil, fmt.Errorf("%w: undecodable record: %w", ErrCorruptFrame, err)
		}

		r.sequence++
		if r.opts.Verify && !record.Verify() {
			return nil, fmt.Errorf("%w: partition %s sequence %d",
				ErrChecksumMismatch, record.Partition, record.Sequence)
		}
		if record.SchemaVersion != models.CurrentSchemaVersion {
			return r.upgrade(payload)
		}
		return &record, nil
	}
}

// upgrade migrates an old-version envelope to the current schema via the
// record's map form, then recomputes the checksum fields over the
// rewritten signal bytes so the returned record still verifies. The
// stored checksum was checked against the on-disk bytes before this.
func (r *PartitionReader) upgrade(payload []byte) (*models.LedgerRecord, error) {
	var m schema.Record
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: undecodable record: %w", ErrCorruptFrame, err)
	}
	migrated, err := r.schemas.Migrate(m, models.CurrentSchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("upgrade record: %w", err)
	}
	buf, err := json.Marshal(migrated)
	if err != nil {
		return nil, fmt.Errorf("upgrade record: %w", err)
	}
	var record models.LedgerRecord
	if err := json.Unmarshal(buf, &record); err != nil {
		return nil, fmt.Errorf("upgrade record: %w", err)
	}
	record.Length = len(record.Signal)
	record.Checksum = crc32.ChecksumIEEE(record.Signal)
	return &record, nil
}

// ReadAll drains the reader. On a corrupt tail it returns the records
// read so far together with the error, so callers can both use the valid
// prefix and surface the damage.
func (r *PartitionReader) ReadAll() ([]*models.LedgerRecord, error) {
	var records []*models.LedgerRecord
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

// Record returns the single record at sequence within partition.
// ErrRecordNotFound when the sequence does not exist; with opts.Verify a
// tampered record is ErrChecksumMismatch, never "not found".
func (l *Ledger) Record(partition string, sequence uint64, opts ReadOptions) (*models.LedgerRecord, error) {
	r, err := l.ReadPartition(partition, opts)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: partition %s sequence %d", ErrRecordNotFound, partition, sequence)
		}
		if err != nil {
			return nil, err
		}
		if rec.Sequence == sequence {
			return rec, nil
		}
	}
}

// Close releases the underlying segment file, if any.
func (r *PartitionReader) Close() error {
	r.closeSegment()
	r.pathIdx = len(r.paths)
	return nil
}

func (r *PartitionReader) openNextSegment() error {
	for r.pathIdx < len(r.paths) {
		path := r.paths[r.pathIdx]
		r.pathIdx++

		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue // absent segment = empty
		}
		if err != nil {
			return fmt.Errorf("open segment %s: %w", path, err)
		}
		r.file = f
		r.scanner = NewFrameScanner(f)
		return nil
	}
	return io.EOF
}

func (r *PartitionReader) closeSegment() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.scanner = nil
}
