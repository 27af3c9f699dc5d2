// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package stats holds the encoder's verbose-mode telemetry (spec.md
// §4.4 "Statistics"). The reference keeps total_block_size and
// n_total_blocks as mutable module-level counters; this package instead
// gives the encoder an explicit Stats value it owns and passes around,
// per spec.md §9's note on global state.
package stats

import "github.com/elliotnunn/blockalign/internal/wireformat"

// Stats accumulates the counters internal/encoder reports under -v.
type Stats struct {
	TotalBlockBytes int64 // sum of content-block payload lengths (excludes zero-fill)
	NContentBlocks  int64 // number of emitted content records
	NZeroFillBlocks int64 // number of emitted zero-fill records
	NFramingBytes   int64 // total length-prefix bytes written (2 per record)
	NHashHits       int64 // content blocks whose chash had any incarnation anywhere in the old sidecar
}

// AddContentBlock records one emitted content record of n payload bytes.
func (s *Stats) AddContentBlock(n int) {
	s.TotalBlockBytes += int64(n)
	s.NContentBlocks++
	s.NFramingBytes += 2
}

// AddZeroFillBlock records one emitted zero-fill record.
func (s *Stats) AddZeroFillBlock() {
	s.NZeroFillBlocks++
	s.NFramingBytes += 2
}

// AddHashHit records that the current content block's chash matched some
// entry anywhere in the old sidecar (via HashDb.FindAll), regardless of
// whether that match was actually usable for placement.
func (s *Stats) AddHashHit() {
	s.NHashHits++
}

// NRecords is the total number of records emitted, content and zero-fill.
func (s *Stats) NRecords() int64 {
	return s.NContentBlocks + s.NZeroFillBlocks
}

// AverageBlockSize reports the mean on-disk size of a content block, one
// length prefix included, or 0 if no content block was emitted yet.
// Matches the reference's own verbose stat (main.cpp:1211,
// total_block_size/n_total_blocks + sizeof(unsigned short)), which
// averages over content blocks alone; zero-fill records carry no chash
// and are not part of this ratio.
func (s *Stats) AverageBlockSize() float64 {
	if s.NContentBlocks == 0 {
		return 0
	}
	return float64(s.TotalBlockBytes)/float64(s.NContentBlocks) + wireformat.LengthPrefixSize
}

// HitPercent reports the percentage of content blocks whose chash had
// some previous incarnation anywhere in the old sidecar, or 0 if no
// content blocks were emitted yet.
func (s *Stats) HitPercent() float64 {
	if s.NContentBlocks == 0 {
		return 0
	}
	return 100 * float64(s.NHashHits) / float64(s.NContentBlocks)
}
