// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package ledger

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/omenhq/omen/internal/logging"
	"github.com/omenhq/omen/internal/metrics"
	"github.com/omenhq/omen/internal/models"
	"github.com/omenhq/omen/internal/schema"
)

// Segment name suffixes. A partition's records live in its main segment
// plus an optional late sibling for records written after the partition's
// nominal close.
const (
	segmentSuffix     = ".ledger"
	lateSegmentSuffix = ".late.ledger"
)

// Config holds ledger configuration.
type Config struct {
	// Dir is the directory holding one segment file per date partition.
	Dir string

	// SyncWrites forces fsync after every append. Disable only where
	// losing the last few records on power failure is acceptable.
	SyncWrites bool

	// LateWindow bounds how long after a partition's nominal close
	// records dated to it are still accepted into the late segment.
	// Zero means late records are accepted indefinitely.
	LateWindow time.Duration

	// Schemas upgrades records written under older envelope versions
	// as they are read. Nil selects schema.Default().
	Schemas *schema.Registry
}

// Ledger is the append-only, date-partitioned log of emitted signals.
// Appends to different partitions proceed independently; within a
// partition, sequence assignment is serialized and gap-free.
type Ledger struct {
	cfg     Config
	schemas *schema.Registry

	mu      sync.RWMutex
	writers map[string]*partitionWriter
	closed  bool

	// now is a clock hook for tests.
	now func() time.Time
}

// partitionWriter owns the open segment files and the committed sequence
// counter for one partition.
type partitionWriter struct {
	mu        sync.Mutex
	partition string
	main      *segmentFile
	late      *segmentFile
	seq       uint64 // highest committed sequence
}

type segmentFile struct {
	path   string
	f      *os.File
	offset int64
}

// Open prepares a ledger rooted at cfg.Dir, creating the directory if
// needed. Partition writers are opened lazily on first append.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("ledger dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	logging.Info().
		Str("dir", cfg.Dir).
		Bool("sync_writes", cfg.SyncWrites).
		Dur("late_window", cfg.LateWindow).
		Msg("ledger opened")

	schemas := cfg.Schemas
	if schemas == nil {
		schemas = schema.Default()
	}

	return &Ledger{
		cfg:     cfg,
		schemas: schemas,
		writers: make(map[string]*partitionWriter),
		now:     time.Now,
	}, nil
}

// SetClock replaces the ledger clock. Intended for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Append durably writes signal to its date partition and returns the
// committed record. Safe for concurrent use; sequence numbers within a
// partition are strictly increasing and gap-free for committed writes.
// Any storage failure is reported wrapped in ErrLedgerWrite and consumes
// no sequence number.
func (l *Ledger) Append(signal *models.Signal) (*models.LedgerRecord, error) {
	start := time.Now()
	defer func() {
		metrics.LedgerAppendDuration.Observe(time.Since(start).Seconds())
	}()

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrLedgerClosed
	}
	now := l.now
	l.mu.RUnlock()

	partition := signal.Partition()
	w, err := l.writer(partition)
	if err != nil {
		metrics.LedgerAppendErrors.Inc()
		return nil, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}

	payload, err := json.Marshal(signal)
	if err != nil {
		metrics.LedgerAppendErrors.Inc()
		return nil, fmt.Errorf("%w: marshal signal: %w", ErrLedgerWrite, err)
	}

	wallNow := now().UTC()
	isLate, err := l.segmentFor(partition, wallNow)
	if err != nil {
		metrics.LedgerAppendErrors.Inc()
		return nil, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	record := &models.LedgerRecord{
		SchemaVersion: models.CurrentSchemaVersion,
		ObservedAt:    signal.ObservedAt.UTC(),
		EmittedAt:     wallNow,
		Partition:     partition,
		Sequence:      w.seq + 1,
		Checksum:      crc32.ChecksumIEEE(payload),
		Length:        len(payload),
		Signal:        payload,
	}

	envelope, err := json.Marshal(record)
	if err != nil {
		metrics.LedgerAppendErrors.Inc()
		return nil, fmt.Errorf("%w: marshal record: %w", ErrLedgerWrite, err)
	}
	frame, err := EncodeFrame(envelope)
	if err != nil {
		metrics.LedgerAppendErrors.Inc()
		return nil, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}

	seg := w.main
	segLabel := "main"
	if isLate {
		if seg, err = w.lateSegment(l.cfg.Dir); err != nil {
			metrics.LedgerAppendErrors.Inc()
			return nil, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
		}
		segLabel = "late"
	}

	if err := seg.append(frame, l.cfg.SyncWrites); err != nil {
		metrics.LedgerAppendErrors.Inc()
		return nil, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}

	// Commit the sequence only after the frame is durable, so a failed
	// write never produces a gap.
	w.seq = record.Sequence

	metrics.LedgerAppends.WithLabelValues(segLabel).Inc()
	metrics.LedgerBytesWritten.Add(float64(len(frame)))

	return record, nil
}

// Highwater returns the highest committed sequence for partition, or 0
// when the partition has no records.
func (l *Ledger) Highwater(partition string) (uint64, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return 0, ErrLedgerClosed
	}
	w, ok := l.writers[partition]
	l.mu.RUnlock()

	if ok {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.seq, nil
	}

	// Partition not open for writing; count committed frames on disk.
	count := uint64(0)
	for _, path := range l.segmentPaths(partition) {
		n, _, err := scanSegment(path)
		if err != nil {
			return 0, err
		}
		count += n
	}
	return count, nil
}

// Partitions lists the partitions present on disk, oldest first.
func (l *Ledger) Partitions() ([]string, error) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read ledger dir: %w", err)
	}
	seen := make(map[string]bool)
	var partitions []string
	for _, e := range entries {
		name := e.Name()
		var p string
		switch {
		case len(name) > len(lateSegmentSuffix) && name[len(name)-len(lateSegmentSuffix):] == lateSegmentSuffix:
			p = name[:len(name)-len(lateSegmentSuffix)]
		case len(name) > len(segmentSuffix) && name[len(name)-len(segmentSuffix):] == segmentSuffix:
			p = name[:len(name)-len(segmentSuffix)]
		default:
			continue
		}
		if _, err := time.Parse(models.PartitionLayout, p); err != nil {
			continue
		}
		if !seen[p] {
			seen[p] = true
			partitions = append(partitions, p)
		}
	}
	sort.Strings(partitions)
	return partitions, nil
}

// Close flushes and closes every open partition writer. No record is
// left partially framed: appends hold the writer lock until the frame is
// fully written, and Close takes the same locks.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	writers := l.writers
	l.writers = nil
	l.mu.Unlock()

	var firstErr error
	for _, w := range writers {
		w.mu.Lock()
		for _, seg := range []*segmentFile{w.main, w.late} {
			if seg == nil || seg.f == nil {
				continue
			}
			if err := seg.f.Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := seg.f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			seg.f = nil
		}
		w.mu.Unlock()
	}

	logging.Info().Msg("ledger closed")
	return firstErr
}

// writer returns the partition writer, opening and recovering it on
// first use.
func (l *Ledger) writer(partition string) (*partitionWriter, error) {
	l.mu.RLock()
	w, ok := l.writers[partition]
	l.mu.RUnlock()
	if ok {
		return w, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLedgerClosed
	}
	if w, ok = l.writers[partition]; ok {
		return w, nil
	}

	w = &partitionWriter{partition: partition}

	mainPath := filepath.Join(l.cfg.Dir, partition+segmentSuffix)
	seg, frames, err := openSegment(mainPath)
	if err != nil {
		return nil, err
	}
	w.main = seg
	w.seq = frames

	// A late segment may already exist from a previous process run.
	latePath := filepath.Join(l.cfg.Dir, partition+lateSegmentSuffix)
	if _, statErr := os.Stat(latePath); statErr == nil {
		lateSeg, lateFrames, err := openSegment(latePath)
		if err != nil {
			return nil, err
		}
		w.late = lateSeg
		w.seq += lateFrames
	}

	l.writers[partition] = w
	return w, nil
}

// segmentFor decides whether a record dated to partition belongs in the
// late segment at wallNow, and rejects writes past the late window.
func (l *Ledger) segmentFor(partition string, wallNow time.Time) (late bool, err error) {
	day, err := time.Parse(models.PartitionLayout, partition)
	if err != nil {
		return false, fmt.Errorf("bad partition %q: %w", partition, err)
	}
	closeAt := day.Add(24 * time.Hour)
	if !wallNow.After(closeAt) {
		return false, nil
	}
	if l.cfg.LateWindow > 0 && wallNow.After(closeAt.Add(l.cfg.LateWindow)) {
		return false, fmt.Errorf("%w: %s closed at %s", ErrPartitionClosed, partition, closeAt.Add(l.cfg.LateWindow).Format(time.RFC3339))
	}
	return true, nil
}

func (l *Ledger) segmentPaths(partition string) []string {
	return []string{
		filepath.Join(l.cfg.Dir, partition+segmentSuffix),
		filepath.Join(l.cfg.Dir, partition+lateSegmentSuffix),
	}
}

// lateSegment lazily opens the late sibling. Caller holds w.mu.
func (w *partitionWriter) lateSegment(dir string) (*segmentFile, error) {
	if w.late != nil {
		return w.late, nil
	}
	seg, _, err := openSegment(filepath.Join(dir, w.partition+lateSegmentSuffix))
	if err != nil {
		return nil, err
	}
	w.late = seg
	return seg, nil
}

// openSegment opens (or creates) a segment for appending, recovering
// from a crash-truncated tail by cutting the file back to its last valid
// frame. Returns the segment and the number of committed frames.
func openSegment(path string) (*segmentFile, uint64, error) {
	frames, validOffset, err := scanSegment(path)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, 0, fmt.Errorf("open segment %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat segment %s: %w", path, err)
	}
	if info.Size() > validOffset {
		logging.Warn().
			Str("segment", path).
			Int64("size", info.Size()).
			Int64("valid_offset", validOffset).
			Msg("truncating corrupt segment tail")
		metrics.LedgerCorruptFrames.Inc()
		if err := f.Truncate(validOffset); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("truncate segment %s: %w", path, err)
		}
	}
	if _, err := f.Seek(validOffset, 0); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("seek segment %s: %w", path, err)
	}

	return &segmentFile{path: path, f: f, offset: validOffset}, frames, nil
}

// scanSegment counts valid frames and returns the offset after the last
// one. A missing file is an empty segment, not an error.
func scanSegment(path string) (frames uint64, validOffset int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	scanner := NewFrameScanner(f)
	for {
		_, err := scanner.Next()
		if err != nil {
			// Clean EOF or corrupt tail both end the scan; the corrupt
			// tail is excluded by returning the last valid offset.
			return frames, scanner.Offset(), nil
		}
		frames++
	}
}

// append writes one frame, truncating back on partial writes so a failed
// append never leaves a corrupt middle.
func (s *segmentFile) append(frame []byte, syncWrites bool) error {
	n, err := s.f.Write(frame)
	if err != nil {
		if n > 0 {
			// Best effort: cut the partial frame so the next append
			// starts at a valid boundary.
			if terr := s.f.Truncate(s.offset); terr == nil {
				_, _ = s.f.Seek(s.offset, 0)
			}
		}
		return fmt.Errorf("append to %s: %w", s.path, err)
	}
	if syncWrites {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", s.path, err)
		}
	}
	s.offset += int64(n)
	return nil
}
