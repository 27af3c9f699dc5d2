// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package wireformat holds the on-disk constants shared by every other
// blockalign package: the encoded-stream header, the per-record framing,
// and the nominal-offset arithmetic the sidecar and block map both store
// deltas against. Changing any of these breaks the on-disk contract
// between an encoder run and a later decode, or between two encode runs
// sharing a sidecar.
package wireformat

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the 12-byte ASCII literal that opens every encoded stream.
const Magic = "BLOCKALIGN#1"

const (
	// BlocksizeMin is the smallest block the chunker ever emits, other
	// than a final short tail.
	BlocksizeMin = 64

	// BlocksizeMax is the largest block the chunker ever emits; the
	// chunker forces a boundary here if none occurred naturally.
	BlocksizeMax = 1024

	// BlocksizeAvg is the nominal block size baked into the on-disk
	// format: block n's nominal offset is n*BlocksizeAvg. The "+2" is the
	// width in bytes of the per-record u16 length prefix.
	BlocksizeAvg = BlocksizeMin + (BlocksizeMax-BlocksizeMin)/2 + 2

	// LengthPrefixSize is the width in bytes of a record's length
	// prefix (u16 LE). FitOff in internal/outbuf is this same constant.
	LengthPrefixSize = 2

	// HashSearchLimit bounds a single HashDb.Find scan: at most this many
	// (chash, pos_delta) pairs are examined starting from the rolling
	// cursor.
	HashSearchLimit = 10000

	// MaxBacklog is the largest number of payload bytes OutputBuffer may
	// hold across both its sub-stores before the encoder is required to
	// force a drain.
	MaxBacklog = 10 * 1024 * 1024

	// DoubleCheckLim is the gap (in bytes, from the current output
	// cursor) beyond which a targeted item is considered far enough away
	// to be worth a late-rejection check before accepting it.
	DoubleCheckLim = 100 * 1024

	// RollingBufferCap is the capacity of the encoder's sliding input
	// read buffer: twenty times the largest possible block, so a refill
	// never has to happen more than once per emitted block.
	RollingBufferCap = BlocksizeMax * 20
)

// ZeroFillMarker is the block-map sentinel (INT_MAX as an i32) that marks
// a record as zero-fill rather than content.
const ZeroFillMarker int32 = 1<<31 - 1

// NominalOffset returns avg_offset(n): the position block n would occupy
// in the output if every preceding block had consumed exactly
// BlocksizeAvg bytes.
func NominalOffset(n int64) int64 {
	return n * BlocksizeAvg
}

// WriteHeader writes the 12-byte magic followed by blocksizeAvg as a
// little-endian u32. The decoder reads this value back rather than
// assuming BlocksizeAvg, so a future encoder could in principle change
// it without breaking old decoders.
func WriteHeader(w io.Writer, blocksizeAvg uint32) error {
	var buf [len(Magic) + 4]byte
	copy(buf[:len(Magic)], Magic)
	binary.LittleEndian.PutUint32(buf[len(Magic):], blocksizeAvg)
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads and validates the magic, returning the encoder's
// declared blocksizeAvg.
func ReadHeader(r io.Reader) (blocksizeAvg uint32, err error) {
	var buf [len(Magic) + 4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("wireformat: read header: %w", err)
	}
	if string(buf[:len(Magic)]) != Magic {
		return 0, fmt.Errorf("wireformat: bad magic %q", buf[:len(Magic)])
	}
	return binary.LittleEndian.Uint32(buf[len(Magic):]), nil
}

// WriteRecord writes one framed record: a u16 LE length prefix followed
// by payload. len(payload) must fit in a u16.
func WriteRecord(w io.Writer, payload []byte) error {
	if len(payload) > 65535 {
		return fmt.Errorf("wireformat: record payload %d bytes exceeds u16 length prefix", len(payload))
	}
	var prefix [LengthPrefixSize]byte
	binary.LittleEndian.PutUint16(prefix[:], uint16(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadRecordLength reads a record's u16 LE length prefix.
func ReadRecordLength(r io.Reader) (uint16, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(prefix[:]), nil
}
