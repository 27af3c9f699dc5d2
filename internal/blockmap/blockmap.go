// Copyright (c) Elliot Nunn
// Licensed under the MIT license

//go:build !windows

// Package blockmap implements the trailing index every encoded stream
// carries (spec.md §6.1): a packed i32 LE array, one entry per emitted
// record, followed by an i64 LE entry count. The encoder only ever
// appends to it sequentially, so writing needs no special machinery; the
// decoder must locate it from end-of-file and then walk records forward
// against it, so reading is backed by a read-only mmap, consistent with
// every other index in this program.
package blockmap

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/elliotnunn/blockalign/internal/mmapfile"
)

// WriteTrailer appends entries, one i32 LE per record, followed by an i64
// LE count, and returns the number of bytes written.
func WriteTrailer(w io.Writer, entries []int32) (int64, error) {
	buf := make([]byte, len(entries)*4+8)
	for i, e := range entries {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(e))
	}
	binary.LittleEndian.PutUint64(buf[len(entries)*4:], uint64(len(entries)))
	n, err := w.Write(buf)
	return int64(n), err
}

// Reader is a read-only, mmap-backed view of a block map embedded at the
// end of an encoded file.
type Reader struct {
	mapping *mmapfile.Mapping
	n       int
}

// Open locates and maps the trailing block map of f. It returns the
// Reader and the absolute offset at which the block map begins (where the
// decoder's record loop must stop).
func Open(f *os.File) (r *Reader, blockmapStart int64, err error) {
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, fmt.Errorf("blockmap: seek end: %w", err)
	}
	if end < 8 {
		return nil, 0, fmt.Errorf("blockmap: file too short (%d bytes) to hold a trailer", end)
	}

	var countBuf [8]byte
	if _, err := f.ReadAt(countBuf[:], end-8); err != nil {
		return nil, 0, fmt.Errorf("blockmap: read entry count: %w", err)
	}
	bmsize := int64(binary.LittleEndian.Uint64(countBuf[:]))
	if bmsize < 0 {
		return nil, 0, fmt.Errorf("blockmap: negative entry count %d", bmsize)
	}

	blockmapStart = end - 8 - bmsize*4
	if blockmapStart < 0 {
		return nil, 0, fmt.Errorf("blockmap: entry count %d implies a negative start offset", bmsize)
	}

	if bmsize == 0 {
		return &Reader{n: 0}, blockmapStart, nil
	}

	m, err := mmapfile.Open(int(f.Fd()), blockmapStart, bmsize*4)
	if err != nil {
		return nil, 0, fmt.Errorf("blockmap: mmap: %w", err)
	}

	return &Reader{mapping: m, n: int(bmsize)}, blockmapStart, nil
}

// Close releases the mmap, if any.
func (r *Reader) Close() error {
	if r == nil || r.mapping == nil {
		return nil
	}
	return r.mapping.Close()
}

// Len returns the number of entries (== the number of records the
// encoder emitted).
func (r *Reader) Len() int {
	if r == nil {
		return 0
	}
	return r.n
}

// At returns the i-th entry: a signed offset delta, or ZeroFillMarker.
func (r *Reader) At(i int) int32 {
	b := r.mapping.Bytes[i*4 : i*4+4]
	return int32(binary.LittleEndian.Uint32(b))
}
