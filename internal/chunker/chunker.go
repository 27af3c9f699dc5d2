// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package chunker implements blockalign's content-defined chunking: given
// a window of unconsumed input bytes, it picks a boundary so that later
// runs over equivalent content land on the same boundaries, byte for
// byte. It holds no state of its own and owns no I/O — the caller (the
// encoder's rolling read buffer) decides how much of the input is
// available to look at.
package chunker

import (
	"math"

	"github.com/elliotnunn/blockalign/internal/crc32c"
	"github.com/elliotnunn/blockalign/internal/wireformat"
)

// initialBoundaryProb is 1/(BLOCKSIZE_MAX-BLOCKSIZE_MIN): the chance, at
// the first scanned position, that this position ends the block. It
// grows geometrically (p := p/(1-p)) so that a boundary is certain by
// BLOCKSIZE_MAX regardless of input.
const initialBoundaryProb = 1.0 / float64(wireformat.BlocksizeMax-wireformat.BlocksizeMin)

// Next picks the next block boundary in window, a slice of the
// unconsumed input starting at the block's first byte. window may be
// shorter than BlocksizeMax only at end of input; callers must otherwise
// supply at least BlocksizeMax bytes (or all remaining input, whichever
// is fewer) for the boundary search to see its full look-ahead.
//
// It returns the chosen block length (1 <= length <= len(window)) and
// the block's CRC-32C fingerprint. Next never fails: any non-empty
// window yields a block.
func Next(window []byte) (length int, chash uint32) {
	bufferLen := len(window)

	if bufferLen < wireformat.BlocksizeMin {
		// Short tail, only possible at end of stream.
		return bufferLen, crc32c.Sum(0, window[:bufferLen])
	}

	chashPrefix := crc32c.Sum(0, window[:wireformat.BlocksizeMin])
	r := crc32c.Sum(37, window[:wireformat.BlocksizeMin])
	p := initialBoundaryProb

	scanLimit := bufferLen
	if scanLimit > wireformat.BlocksizeMax {
		scanLimit = wireformat.BlocksizeMax
	}

	for i := wireformat.BlocksizeMin; i < scanLimit; i++ {
		r = crc32c.Sum(r, window[i:i+1])

		// Numeric note: r/2^32 compared in 64-bit float against p, using
		// the same divisor (2^32-1) on both runs so two encoders agree
		// bit for bit.
		if float64(r)/float64(math.MaxUint32) <= p {
			length = i
			chash = crc32c.Sum(chashPrefix, window[wireformat.BlocksizeMin:length])
			return length, chash
		}
		p = p / (1 - p)
	}

	if bufferLen >= wireformat.BlocksizeMax {
		length = wireformat.BlocksizeMax
	} else {
		length = bufferLen
	}
	chash = crc32c.Sum(chashPrefix, window[wireformat.BlocksizeMin:length])
	return length, chash
}
