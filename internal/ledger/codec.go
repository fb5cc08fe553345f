// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

// Package ledger implements the append-only, date-partitioned signal
// ledger: the single source of truth for every emitted signal.
//
// On disk a partition is one segment file of consecutive frames, each
// independently verifiable:
//
//	[uint32 length][payload bytes][uint32 crc32(payload)]
//
// Integers are little-endian; the CRC is IEEE. A crash mid-write leaves a
// truncated tail that readers detect and exclude without disturbing the
// valid frames before it.
package ledger

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// maxFrameLen bounds a single frame payload. Signals are small; anything
// beyond this is a corrupt length prefix, not a real record.
const maxFrameLen = 16 << 20 // 16MB

// frameOverhead is the fixed per-frame framing cost in bytes.
const frameOverhead = 8 // 4-byte length prefix + 4-byte CRC trailer

// EncodeFrame wraps payload in a length-prefixed, CRC-protected frame.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrCorruptFrame)
	}
	if len(payload) > maxFrameLen {
		return nil, fmt.Errorf("%w: payload %d exceeds frame limit", ErrCorruptFrame, len(payload))
	}

	buf := make([]byte, frameOverhead+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	binary.LittleEndian.PutUint32(buf[4+len(payload):], crc32.ChecksumIEEE(payload))
	return buf, nil
}

// FrameScanner reads consecutive frames from a segment stream. It stops
// cleanly at a truncated or corrupt tail, reporting it as ErrCorruptFrame
// rather than io.EOF so callers can distinguish silent loss from a clean
// end of segment.
type FrameScanner struct {
	r      *bufio.Reader
	offset int64
}

// NewFrameScanner wraps r for frame-by-frame reading.
func NewFrameScanner(r io.Reader) *FrameScanner {
	return &FrameScanner{r: bufio.NewReaderSize(r, 64<<10)}
}

// Offset returns the byte offset after the last fully decoded frame.
// After a corrupt tail is hit this is the safe truncation point.
func (s *FrameScanner) Offset() int64 {
	return s.offset
}

// Next decodes the next frame payload. Returns io.EOF at a clean end of
// segment, or ErrCorruptFrame for a truncated or checksum-failing tail.
func (s *FrameScanner) Next() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(s.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		// Partial length prefix: crash mid-write.
		return nil, fmt.Errorf("%w: truncated length prefix at offset %d", ErrCorruptFrame, s.offset)
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length == 0 || length > maxFrameLen {
		return nil, fmt.Errorf("%w: implausible frame length %d at offset %d", ErrCorruptFrame, length, s.offset)
	}

	body := make([]byte, length+4)
	if _, err := io.ReadFull(s.r, body); err != nil {
		return nil, fmt.Errorf("%w: truncated frame body at offset %d", ErrCorruptFrame, s.offset)
	}

	payload := body[:length]
	stored := binary.LittleEndian.Uint32(body[length:])
	if crc32.ChecksumIEEE(payload) != stored {
		return nil, fmt.Errorf("%w: crc mismatch at offset %d", ErrCorruptFrame, s.offset)
	}

	s.offset += int64(frameOverhead) + int64(length)
	return payload, nil
}
