// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package ledger

import (
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/omenhq/omen/internal/models"
)

var testDay = time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)

func testSignal(id string, observedAt time.Time) *models.Signal {
	return &models.Signal{
		SignalID:      id,
		SourceEventID: "evt-" + id,
		TraceID:       "trace-" + id,
		Probability:   0.91,
		Confidence:    0.77,
		Category:      "route_risk",
		ObservedAt:    observedAt,
	}
}

func openTestLedger(t *testing.T, dir string) *Ledger {
	t.Helper()
	l, err := Open(Config{Dir: dir, SyncWrites: false, LateWindow: 48 * time.Hour})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	l.SetClock(func() time.Time { return testDay })
	return l
}

func TestAppendAssignsGapFreeSequences(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()

	for i := 1; i <= 5; i++ {
		rec, err := l.Append(testSignal(fmt.Sprintf("sig-%d", i), testDay))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if rec.Sequence != uint64(i) {
			t.Errorf("Append() sequence = %d, want %d", rec.Sequence, i)
		}
		if rec.SchemaVersion != models.CurrentSchemaVersion {
			t.Errorf("Append() schema_version = %d, want %d", rec.SchemaVersion, models.CurrentSchemaVersion)
		}
		if !rec.Verify() {
			t.Error("Append() returned record failing Verify()")
		}
	}

	hw, err := l.Highwater(testDay.Format(models.PartitionLayout))
	if err != nil {
		t.Fatalf("Highwater() error = %v", err)
	}
	if hw != 5 {
		t.Errorf("Highwater() = %d, want 5", hw)
	}
}

func TestAppendConcurrentSequencesAreUnique(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()

	const n = 50
	seqs := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := l.Append(testSignal(fmt.Sprintf("sig-%d", i), testDay))
			if err != nil {
				t.Errorf("Append() error = %v", err)
				return
			}
			seqs <- rec.Sequence
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		if seen[s] {
			t.Errorf("duplicate sequence %d", s)
		}
		seen[s] = true
	}
	for i := uint64(1); i <= n; i++ {
		if !seen[i] {
			t.Errorf("missing sequence %d", i)
		}
	}
}

func TestAppendPartitionsAreIndependent(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()

	dayA := testDay
	dayB := testDay.Add(-24 * time.Hour)

	recA, err := l.Append(testSignal("a-1", dayA))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	recB, err := l.Append(testSignal("b-1", dayB))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if recA.Sequence != 1 || recB.Sequence != 1 {
		t.Errorf("cross-partition sequences = %d, %d, want 1, 1", recA.Sequence, recB.Sequence)
	}
	if recA.Partition == recB.Partition {
		t.Errorf("partitions collide: %s", recA.Partition)
	}
}

func TestAppendLateRecordGoesToLateSegment(t *testing.T) {
	dir := t.TempDir()
	l := openTestLedger(t, dir)
	defer l.Close()

	// Observed yesterday, written today: past the partition's nominal
	// close, inside the late window.
	observed := testDay.Add(-30 * time.Hour)
	rec, err := l.Append(testSignal("late-1", observed))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	partition := observed.UTC().Format(models.PartitionLayout)
	if rec.Partition != partition {
		t.Errorf("Partition = %s, want %s (keyed by observation, not write time)", rec.Partition, partition)
	}
	if _, err := os.Stat(filepath.Join(dir, partition+lateSegmentSuffix)); err != nil {
		t.Errorf("late segment not created: %v", err)
	}

	// The late record must be visible with IncludeLate and invisible
	// without it.
	r, err := l.ReadPartition(partition, ReadOptions{IncludeLate: true})
	if err != nil {
		t.Fatalf("ReadPartition() error = %v", err)
	}
	records, err := r.ReadAll()
	r.Close()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("ReadAll(IncludeLate) = %d records, want 1", len(records))
	}

	r, err = l.ReadPartition(partition, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadPartition() error = %v", err)
	}
	records, err = r.ReadAll()
	r.Close()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("ReadAll(main only) = %d records, want 0", len(records))
	}
}

func TestAppendRejectsRecordPastLateWindow(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()

	observed := testDay.Add(-5 * 24 * time.Hour) // well past the 48h window
	if _, err := l.Append(testSignal("too-late", observed)); !errors.Is(err, ErrPartitionClosed) {
		t.Errorf("Append() past late window error = %v, want ErrPartitionClosed", err)
	}
}

func TestReadPartitionReturnsRecordsInAppendOrder(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()

	ids := []string{"sig-1", "sig-2", "sig-3"}
	for _, id := range ids {
		if _, err := l.Append(testSignal(id, testDay)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	r, err := l.ReadPartition(testDay.Format(models.PartitionLayout), ReadOptions{Verify: true})
	if err != nil {
		t.Fatalf("ReadPartition() error = %v", err)
	}
	defer r.Close()

	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != len(ids) {
		t.Fatalf("ReadAll() = %d records, want %d", len(records), len(ids))
	}
	for i, rec := range records {
		sig, err := rec.DecodeSignal()
		if err != nil {
			t.Fatalf("DecodeSignal() error = %v", err)
		}
		if sig.SignalID != ids[i] {
			t.Errorf("record %d signal_id = %s, want %s", i, sig.SignalID, ids[i])
		}
		if rec.Sequence != uint64(i+1) {
			t.Errorf("record %d sequence = %d, want %d", i, rec.Sequence, i+1)
		}
	}
}

func TestOpenTruncatesCorruptTailAndResumes(t *testing.T) {
	dir := t.TempDir()
	partition := testDay.Format(models.PartitionLayout)

	l := openTestLedger(t, dir)
	for i := 1; i <= 3; i++ {
		if _, err := l.Append(testSignal(fmt.Sprintf("sig-%d", i), testDay)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Crash simulation: garbage after the last committed frame.
	segPath := filepath.Join(dir, partition+segmentSuffix)
	f, err := os.OpenFile(segPath, os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.Write([]byte{0x07, 0x00, 0x00, 0x00, 0xde, 0xad}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	l2 := openTestLedger(t, dir)
	defer l2.Close()

	// The corrupt tail must not count toward the highwater, and the next
	// append continues the sequence without a gap.
	hw, err := l2.Highwater(partition)
	if err != nil {
		t.Fatalf("Highwater() error = %v", err)
	}
	if hw != 3 {
		t.Errorf("Highwater() after recovery = %d, want 3", hw)
	}

	rec, err := l2.Append(testSignal("sig-4", testDay))
	if err != nil {
		t.Fatalf("Append() after recovery error = %v", err)
	}
	if rec.Sequence != 4 {
		t.Errorf("Append() after recovery sequence = %d, want 4", rec.Sequence)
	}

	r, err := l2.ReadPartition(partition, ReadOptions{Verify: true})
	if err != nil {
		t.Fatalf("ReadPartition() error = %v", err)
	}
	defer r.Close()
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() after recovery error = %v", err)
	}
	if len(records) != 4 {
		t.Errorf("ReadAll() after recovery = %d records, want 4", len(records))
	}
}

func TestReadAllReturnsValidPrefixOnCorruptTail(t *testing.T) {
	dir := t.TempDir()
	partition := testDay.Format(models.PartitionLayout)

	l := openTestLedger(t, dir)
	for i := 1; i <= 2; i++ {
		if _, err := l.Append(testSignal(fmt.Sprintf("sig-%d", i), testDay)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	// Damage the tail without reopening; readers hit it directly.
	segPath := filepath.Join(dir, partition+segmentSuffix)
	f, err := os.OpenFile(segPath, os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	f.Write([]byte{0x01})
	f.Close()

	r, err := l.ReadPartition(partition, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadPartition() error = %v", err)
	}
	defer r.Close()

	records, err := r.ReadAll()
	if !errors.Is(err, ErrCorruptFrame) {
		t.Errorf("ReadAll() error = %v, want ErrCorruptFrame", err)
	}
	if len(records) != 2 {
		t.Errorf("ReadAll() valid prefix = %d records, want 2", len(records))
	}

	l.Close()
}

func TestReadPartitionVerifyDetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	partition := testDay.Format(models.PartitionLayout)

	// Hand-craft a record whose frame is intact but whose embedded signal
	// no longer matches its stored checksum. Frame-level CRC passes;
	// record-level verification must still catch it.
	payload := []byte(`{"signal_id":"sig-1"}`)
	record := &models.LedgerRecord{
		SchemaVersion: models.CurrentSchemaVersion,
		ObservedAt:    testDay,
		EmittedAt:     testDay,
		Partition:     partition,
		Sequence:      1,
		Checksum:      crc32.ChecksumIEEE(payload) + 1,
		Length:        len(payload),
		Signal:        payload,
	}
	envelope, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	frame, err := EncodeFrame(envelope)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, partition+segmentSuffix), frame, 0o640); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	l := openTestLedger(t, dir)
	defer l.Close()

	r, err := l.ReadPartition(partition, ReadOptions{Verify: true})
	if err != nil {
		t.Fatalf("ReadPartition() error = %v", err)
	}
	defer r.Close()

	if _, err := r.Next(); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Next() error = %v, want ErrChecksumMismatch", err)
	}

	// Without Verify the record comes through; Verify() still reports it.
	r2, err := l.ReadPartition(partition, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadPartition() error = %v", err)
	}
	defer r2.Close()
	rec, err := r2.Next()
	if err != nil {
		t.Fatalf("Next() without verify error = %v", err)
	}
	if rec.Verify() {
		t.Error("Verify() = true for tampered record")
	}
}

func TestReadPartitionUpgradesOldSchemaRecords(t *testing.T) {
	dir := t.TempDir()
	partition := testDay.Format(models.PartitionLayout)

	// Hand-craft a v1-era record: the signal carried "prob"/"conf", a
	// legacy "meta" blob and no category.
	signalJSON := []byte(`{"signal_id":"sig-old","source_event_id":"evt-old","trace_id":"trace-old","prob":0.42,"conf":0.9,"observed_at":"2026-08-20T09:30:00Z","meta":{"route":"R7"}}`)
	envelope, err := json.Marshal(map[string]any{
		"schema_version":   1,
		"observed_at":      testDay,
		"emitted_at":       testDay,
		"ledger_partition": partition,
		"ledger_sequence":  1,
		"checksum":         crc32.ChecksumIEEE(signalJSON),
		"length":           len(signalJSON),
		"signal":           json.RawMessage(signalJSON),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	frame, err := EncodeFrame(envelope)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, partition+segmentSuffix), frame, 0o640); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	l := openTestLedger(t, dir)
	defer l.Close()

	r, err := l.ReadPartition(partition, ReadOptions{Verify: true})
	if err != nil {
		t.Fatalf("ReadPartition() error = %v", err)
	}
	defer r.Close()

	rec, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if rec.SchemaVersion != models.CurrentSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", rec.SchemaVersion, models.CurrentSchemaVersion)
	}
	if !rec.Verify() {
		t.Error("upgraded record fails Verify()")
	}

	sig, err := rec.DecodeSignal()
	if err != nil {
		t.Fatalf("DecodeSignal() error = %v", err)
	}
	if sig.SignalID != "sig-old" {
		t.Errorf("signal_id = %s, want sig-old", sig.SignalID)
	}
	if sig.Probability != 0.42 {
		t.Errorf("Probability = %v, want 0.42 (renamed from prob)", sig.Probability)
	}
	if sig.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9 (renamed from conf)", sig.Confidence)
	}
	if sig.Category != "uncategorized" {
		t.Errorf("Category = %q, want uncategorized default", sig.Category)
	}
	var payload map[string]any
	if err := json.Unmarshal(sig.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["route"] != "R7" {
		t.Errorf("payload = %v, want legacy meta folded in", payload)
	}

	// The lookup path goes through the same upgrade.
	byLookup, err := l.Record(partition, 1, ReadOptions{Verify: true})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if byLookup.SchemaVersion != models.CurrentSchemaVersion {
		t.Errorf("Record() SchemaVersion = %d, want %d", byLookup.SchemaVersion, models.CurrentSchemaVersion)
	}
}

func TestRecordLookup(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()
	partition := testDay.Format(models.PartitionLayout)

	for i := 1; i <= 3; i++ {
		if _, err := l.Append(testSignal(fmt.Sprintf("sig-%d", i), testDay)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	rec, err := l.Record(partition, 2, ReadOptions{Verify: true})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	sig, _ := rec.DecodeSignal()
	if sig.SignalID != "sig-2" {
		t.Errorf("Record(2) signal_id = %s, want sig-2", sig.SignalID)
	}

	if _, err := l.Record(partition, 99, ReadOptions{}); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Record(99) error = %v, want ErrRecordNotFound", err)
	}
}

func TestPartitionsListsSorted(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()

	days := []time.Time{testDay, testDay.Add(-24 * time.Hour), testDay.Add(-48 * time.Hour)}
	for i, day := range days {
		if _, err := l.Append(testSignal(fmt.Sprintf("sig-%d", i), day)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	partitions, err := l.Partitions()
	if err != nil {
		t.Fatalf("Partitions() error = %v", err)
	}
	if len(partitions) != 3 {
		t.Fatalf("Partitions() = %d entries, want 3", len(partitions))
	}
	for i := 1; i < len(partitions); i++ {
		if partitions[i-1] >= partitions[i] {
			t.Errorf("Partitions() not sorted: %v", partitions)
		}
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := l.Append(testSignal("sig-1", testDay)); !errors.Is(err, ErrLedgerClosed) {
		t.Errorf("Append() after Close error = %v, want ErrLedgerClosed", err)
	}
}

func TestHighwaterScansDiskForUnopenedPartition(t *testing.T) {
	dir := t.TempDir()
	partition := testDay.Format(models.PartitionLayout)

	l := openTestLedger(t, dir)
	for i := 1; i <= 3; i++ {
		if _, err := l.Append(testSignal(fmt.Sprintf("sig-%d", i), testDay)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	l.Close()

	// Fresh ledger, no writer open for the partition: highwater comes
	// from scanning the segments.
	l2 := openTestLedger(t, dir)
	defer l2.Close()
	hw, err := l2.Highwater(partition)
	if err != nil {
		t.Fatalf("Highwater() error = %v", err)
	}
	if hw != 3 {
		t.Errorf("Highwater() = %d, want 3", hw)
	}
}
