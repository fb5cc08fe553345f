// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

package models

import (
	"hash/crc32"
	"testing"
	"time"
)

func TestSignalPartitionUsesObservationDateUTC(t *testing.T) {
	tests := []struct {
		name       string
		observedAt time.Time
		want       string
	}{
		{
			name:       "utc",
			observedAt: time.Date(2026, 8, 20, 23, 59, 0, 0, time.UTC),
			want:       "2026-08-20",
		},
		{
			name:       "crosses midnight when normalized",
			observedAt: time.Date(2026, 8, 20, 22, 30, 0, 0, time.FixedZone("UTC-3", -3*3600)),
			want:       "2026-08-21",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Signal{SignalID: "sig-1", ObservedAt: tt.observedAt}
			if got := s.Partition(); got != tt.want {
				t.Errorf("Partition() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLedgerRecordVerify(t *testing.T) {
	payload := []byte(`{"signal_id":"sig-1","probability":0.9}`)
	rec := &LedgerRecord{
		SchemaVersion: CurrentSchemaVersion,
		Checksum:      crc32.ChecksumIEEE(payload),
		Length:        len(payload),
		Signal:        payload,
	}
	if !rec.Verify() {
		t.Error("Verify() = false for intact record")
	}

	tampered := *rec
	tampered.Signal = []byte(`{"signal_id":"sig-2","probability":0.9}`)
	if tampered.Verify() {
		t.Error("Verify() = true for altered payload")
	}

	short := *rec
	short.Length = len(payload) - 1
	if short.Verify() {
		t.Error("Verify() = true for wrong length")
	}
}

func TestLedgerRecordDecodeSignal(t *testing.T) {
	rec := &LedgerRecord{Signal: []byte(`{"signal_id":"sig-1","category":"route_risk"}`)}
	sig, err := rec.DecodeSignal()
	if err != nil {
		t.Fatalf("DecodeSignal() error = %v", err)
	}
	if sig.SignalID != "sig-1" || sig.Category != "route_risk" {
		t.Errorf("DecodeSignal() = %+v", sig)
	}

	rec.Signal = []byte(`{broken`)
	if _, err := rec.DecodeSignal(); err == nil {
		t.Error("DecodeSignal() on garbage = nil error")
	}
}
