// Copyright (c) Elliot Nunn
// Licensed under the MIT license

//go:build !windows

// Package hashdb implements blockalign's read-only positional index: the
// previous encode run's sidecar, memory-mapped once and probed by the
// current run to decide where a reoccurring block should land.
//
// Opening a sidecar that does not exist is not an error: it means "no
// prior run", and every subsequent [DB.Find] simply misses, matching
// spec.md §4.2's described fallback. Any other open/mmap failure puts the
// DB into a sticky error state; callers must check [DB.HasError] before
// every query and fall back to treating every block as new, per spec.md
// §7.
package hashdb

import (
	"encoding/binary"
	"log/slog"
	"os"

	"github.com/elliotnunn/blockalign/internal/mmapfile"
	"github.com/elliotnunn/blockalign/internal/wireformat"
)

const entrySize = 8 // one u32 chash + one i32 pos_delta

// DB is a read-only view of a sidecar file produced by a previous encode.
type DB struct {
	mapping *mmapfile.Mapping
	n       int // number of (chash, pos_delta) entries
	nextIdx int
	hasErr  bool
}

// Open memory-maps path read-only. A missing file is reported as a valid,
// empty DB (every Find misses) rather than an error: per spec.md §4.2 the
// encoder must treat "no sidecar yet" as the normal first-run case.
func Open(path string) *DB {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &DB{}
		}
		slog.Warn("hashdbOpenFailed", "path", path, "err", err)
		return &DB{hasErr: true}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		slog.Warn("hashdbStatFailed", "path", path, "err", err)
		return &DB{hasErr: true}
	}

	size := st.Size()
	n := int(size / entrySize)
	if n == 0 {
		// Zero-length sidecar (e.g. hashfile pointed at /dev/null):
		// nothing to map, but also nothing wrong.
		return &DB{}
	}

	m, err := mmapfile.Open(int(f.Fd()), 0, int64(n)*entrySize)
	if err != nil {
		slog.Warn("hashdbMmapFailed", "path", path, "err", err)
		return &DB{hasErr: true}
	}

	return &DB{mapping: m, n: n}
}

// Close releases the mmap, if any.
func (db *DB) Close() error {
	if db == nil || db.mapping == nil {
		return nil
	}
	return db.mapping.Close()
}

// HasError reports whether the sidecar failed to open or map. Callers
// must take the "write immediately, no fingerprint check" fallback
// whenever this is true.
func (db *DB) HasError() bool { return db != nil && db.hasErr }

// SetNextIdx moves the rolling search cursor (Invariant O3).
func (db *DB) SetNextIdx(idx int) {
	if db == nil {
		return
	}
	db.nextIdx = idx
}

func (db *DB) entry(i int) (chash uint32, delta int32) {
	off := i * entrySize
	b := db.mapping.Bytes[off : off+entrySize]
	chash = binary.LittleEndian.Uint32(b[0:4])
	delta = int32(binary.LittleEndian.Uint32(b[4:8]))
	return
}

// Find scans forward from the rolling cursor (set by the previous call to
// [DB.SetNextIdx]) for up to HashSearchLimit entries, looking for chash
// at an absolute offset >= minOffset. It reports the first such match.
func (db *DB) Find(chash uint32, minOffset int64) (offset int64, idx int, ok bool) {
	if db == nil || db.mapping == nil {
		return 0, 0, false
	}

	limit := db.n
	if limit > db.nextIdx+wireformat.HashSearchLimit {
		limit = db.nextIdx + wireformat.HashSearchLimit
	}

	for i := db.nextIdx; i < limit; i++ {
		c, delta := db.entry(i)
		if c != chash {
			continue
		}
		abs := wireformat.NominalOffset(int64(i)) + int64(delta)
		if abs < 0 {
			continue // corrupt entry; never honor a negative absolute offset
		}
		if abs >= minOffset {
			return abs, i, true
		}
	}
	return 0, 0, false
}

// FindAll scans the entire sidecar from entry 0 for chash, ignoring
// minOffset and the rolling cursor. It exists purely for verbose
// telemetry ("how many emitted blocks had some previous incarnation
// anywhere in the old sidecar") and must never be used on the hot
// placement path: it is unbounded in the size of the sidecar.
func (db *DB) FindAll(chash uint32) (offset int64, idx int, ok bool) {
	if db == nil || db.mapping == nil {
		return 0, 0, false
	}
	for i := 0; i < db.n; i++ {
		c, delta := db.entry(i)
		if c != chash {
			continue
		}
		abs := wireformat.NominalOffset(int64(i)) + int64(delta)
		if abs < 0 {
			continue
		}
		return abs, i, true
	}
	return 0, 0, false
}
