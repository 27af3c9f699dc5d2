// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package outbuf implements the encoder's reorder buffer (spec.md §4.3):
// blocks the encoder has read but cannot yet write, because they are
// destined for an offset the output cursor hasn't reached, or because
// holding them a little longer might let them land in a gap instead of
// being appended raw.
//
// Two sub-stores share one byte budget. targeted holds blocks with a
// known destination offset, kept sorted so the next one due is a single
// binary search away — the same sort.Search-over-a-slice idiom the
// teacher uses for its decompression checkpoints. anywhere holds blocks
// with no known destination, searched linearly for a size that fits a
// gap the encoder is trying to fill.
package outbuf

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Item is one buffered block.
type Item struct {
	Offset   int64  // destination offset; meaningful only for targeted items
	CRC      uint32 // block's CRC-32C fingerprint
	Data     []byte // block payload (a private copy, never aliasing the caller's buffer)
	InputPos int64  // byte offset in the input stream this block came from
	digest   uint64 // xxhash64 of Data at the time it was buffered
}

// Buffer is blockalign's output reorder buffer. The zero value is ready
// to use.
type Buffer struct {
	targeted []Item // ascending by Offset; ties kept in insertion order
	anywhere []Item // insertion order
	size     int64  // sum of len(Data) across both stores
}

func copyOf(data []byte) []byte {
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp
}

// Size reports the total bytes currently buffered across both stores.
func (b *Buffer) Size() int64 { return b.size }

// Empty reports whether both stores are empty.
func (b *Buffer) Empty() bool { return len(b.targeted) == 0 && len(b.anywhere) == 0 }

// Add files data at a known destination offset. data is copied; the
// caller's buffer may be reused or overwritten immediately after Add
// returns.
func (b *Buffer) Add(offset int64, crc uint32, data []byte, inputPos int64) {
	item := Item{Offset: offset, CRC: crc, Data: copyOf(data), InputPos: inputPos}
	item.digest = xxhash.Sum64(item.Data)

	i := sort.Search(len(b.targeted), func(i int) bool { return b.targeted[i].Offset > offset })
	b.targeted = append(b.targeted, Item{})
	copy(b.targeted[i+1:], b.targeted[i:])
	b.targeted[i] = item

	b.size += int64(len(item.Data))
}

// AddAnywhere files data with no known destination. data is copied.
func (b *Buffer) AddAnywhere(crc uint32, data []byte, inputPos int64) {
	item := Item{CRC: crc, Data: copyOf(data), InputPos: inputPos}
	item.digest = xxhash.Sum64(item.Data)
	b.anywhere = append(b.anywhere, item)
	b.size += int64(len(item.Data))
}

// Peek reports the lowest-offset targeted item whose Offset >= cursor,
// without removing it.
func (b *Buffer) Peek(cursor int64) (Item, bool) {
	i := b.indexAtOrAfter(cursor)
	if i == len(b.targeted) {
		return Item{}, false
	}
	return b.targeted[i], true
}

func (b *Buffer) indexAtOrAfter(cursor int64) int {
	return sort.Search(len(b.targeted), func(i int) bool { return b.targeted[i].Offset >= cursor })
}

// Take removes and returns the same item Peek would return: the next
// targeted block due at or after cursor. Use this once the block is
// actually being written out.
func (b *Buffer) Take(cursor int64) (Item, bool) {
	i := b.indexAtOrAfter(cursor)
	if i == len(b.targeted) {
		return Item{}, false
	}
	item := b.targeted[i]
	b.targeted = append(b.targeted[:i], b.targeted[i+1:]...)
	b.size -= int64(len(item.Data))
	return item, true
}

// Demote removes the next targeted block due at or after cursor and
// re-files it into anywhere. Used for the encoder's late-rejection path
// (spec.md §4.4): a targeted block found to be too far ahead to honor
// is given a second life as a gap-filler instead of being discarded.
// Buffer size is unaffected, since the block stays buffered either way.
func (b *Buffer) Demote(cursor int64) (Item, bool) {
	i := b.indexAtOrAfter(cursor)
	if i == len(b.targeted) {
		return Item{}, false
	}
	item := b.targeted[i]
	b.targeted = append(b.targeted[:i], b.targeted[i+1:]...)
	b.anywhere = append(b.anywhere, item)
	return item, true
}

// FitOff is the snug/slack asymmetry spec.md §4.3 uses for best-fit
// selection: a block is accepted either if it fills available snugly
// (leaving exactly FitOff bytes), or if it is small enough that even
// after accounting for FitOff slack on both sides it still leaves room.
// The encoder widens this to EnforceFitOff while forcibly draining the
// buffer down to MaxBacklog.
const (
	FitOff        = 2
	EnforceFitOff = 6
)

// bestFitIndex returns the index into anywhere of the item that best
// fills a gap of available bytes, per spec.md §4.3: a size s qualifies
// if s == available-fitOff or s+2*fitOff <= available, and among
// qualifying items the largest wins ties. Passing math.MaxInt64 for
// available naturally implements "no upper bound, return the largest
// available", since every item then satisfies the slack test.
func (b *Buffer) bestFitIndex(available int64, fitOff int64) (int, bool) {
	best := -1
	for i := range b.anywhere {
		s := int64(len(b.anywhere[i].Data))
		if s != available-fitOff && s+2*fitOff > available {
			continue
		}
		if best == -1 || s > int64(len(b.anywhere[best].Data)) {
			best = i
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// BestFit reports the anywhere item that best fills a gap of available
// bytes, without removing it.
func (b *Buffer) BestFit(available int64, fitOff int64) (Item, bool) {
	i, ok := b.bestFitIndex(available, fitOff)
	if !ok {
		return Item{}, false
	}
	return b.anywhere[i], true
}

// TakeBestFit removes and returns the same item BestFit would return.
func (b *Buffer) TakeBestFit(available int64, fitOff int64) (Item, bool) {
	i, ok := b.bestFitIndex(available, fitOff)
	if !ok {
		return Item{}, false
	}
	item := b.anywhere[i]
	b.anywhere = append(b.anywhere[:i], b.anywhere[i+1:]...)
	b.size -= int64(len(item.Data))
	return item, true
}

// CheckIntegrity recomputes the xxhash64 of every buffered item's bytes
// and compares it against the digest recorded when the item was added.
// It exists to catch a single class of bug: a caller handing outbuf a
// slice that aliases a buffer it goes on to mutate (the rolling input
// buffer in internal/encoder is reused on every refill). Add and
// AddAnywhere already defend against this by copying; CheckIntegrity is
// the regression test for that defense, not a runtime safety net.
func (b *Buffer) CheckIntegrity() error {
	for _, item := range b.targeted {
		if xxhash.Sum64(item.Data) != item.digest {
			return errCorrupted(item.Offset)
		}
	}
	for _, item := range b.anywhere {
		if xxhash.Sum64(item.Data) != item.digest {
			return errCorrupted(item.InputPos)
		}
	}
	return nil
}

type errCorrupted int64

func (e errCorrupted) Error() string {
	return "outbuf: buffered item's bytes changed after it was added"
}
