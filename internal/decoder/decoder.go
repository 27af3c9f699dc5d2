// Copyright (c) Elliot Nunn
// Licensed under the MIT license

//go:build !windows

// Package decoder implements C5, blockalign's decode pipeline: it
// mmaps the trailing block map (internal/blockmap), streams the
// record framing from the front of the file, and reconstructs the
// original byte stream strictly by output offset, buffering records
// that arrive before their predecessors (spec.md §4.5).
package decoder

import (
	"fmt"
	"io"
	"os"

	bufra "github.com/avvmoto/buf-readerat"

	"github.com/elliotnunn/blockalign/internal/blockmap"
	"github.com/elliotnunn/blockalign/internal/wireformat"
)

// readAtBufSize is the buffer size handed to buf-readerat for the
// record loop's many small sequential reads (a u16 length prefix, then
// payload, per record) — the same small-syscalls rationale the teacher
// applies to its own file reads.
const readAtBufSize = 64 * 1024

// Run decodes the encoded file at inputPath to outputPath. inputPath
// must be seekable (not "-"): decode requires locating the trailing
// block map, per spec.md §6.3.
func Run(inputPath, outputPath string) error {
	if inputPath == "-" {
		return fmt.Errorf("decoder: restore from stdin is not supported (requires seeking to the trailing block map)")
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("decoder: open input: %w", err)
	}
	defer f.Close()

	bm, blockmapStart, err := blockmap.Open(f)
	if err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	defer bm.Close()

	buffered := bufra.NewBufReaderAt(f, readAtBufSize)
	sr := io.NewSectionReader(buffered, 0, blockmapStart)

	readBlocksizeAvg, err := wireformat.ReadHeader(sr)
	if err != nil {
		return fmt.Errorf("decoder: %w", err)
	}

	out, closeOut, err := openOutput(outputPath)
	if err != nil {
		return fmt.Errorf("decoder: open output: %w", err)
	}
	defer closeOut()

	d := &decoder{
		in:               sr,
		blockmapStart:    blockmapStart,
		bm:               bm,
		readBlocksizeAvg: int64(readBlocksizeAvg),
		out:              out,
		buffers:          make(map[int64][]byte),
	}
	if err := d.run(); err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	return nil
}

func openOutput(path string) (w io.Writer, close func() error, err error) {
	if path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

type decoder struct {
	in            *io.SectionReader
	blockmapStart int64
	bm            *blockmap.Reader

	readBlocksizeAvg int64

	nblock       int
	outputOffset int64
	buffers      map[int64][]byte

	out io.Writer
}

func (d *decoder) avgPos(n int) int64 {
	return int64(n) * d.readBlocksizeAvg
}

// run implements spec.md §4.5's "Record loop".
func (d *decoder) run() error {
	for {
		pos, err := d.in.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		if pos == d.blockmapStart {
			return d.finish()
		}

		blen, err := wireformat.ReadRecordLength(d.in)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return d.finish()
			}
			return err
		}

		if d.nblock >= d.bm.Len() {
			return fmt.Errorf("record %d has no corresponding block map entry", d.nblock)
		}
		posOffset := d.bm.At(d.nblock)

		if posOffset == wireformat.ZeroFillMarker {
			if _, err := d.in.Seek(int64(blen), io.SeekCurrent); err != nil {
				return err
			}
			d.nblock++
			continue
		}

		if int64(blen) > wireformat.BlocksizeMax {
			return fmt.Errorf("record %d length %d exceeds BLOCKSIZE_MAX", d.nblock, blen)
		}

		payload := make([]byte, blen)
		if _, err := io.ReadFull(d.in, payload); err != nil {
			return fmt.Errorf("record %d: %w", d.nblock, err)
		}

		blockPos := d.avgPos(d.nblock) + int64(posOffset)
		if err := d.place(blockPos, payload); err != nil {
			return err
		}

		d.nblock++
	}
}

// place writes or stashes one decoded block, per spec.md §4.5 step 6,
// enforcing Invariant D1 (no backwards or overlapping placement).
func (d *decoder) place(blockPos int64, payload []byte) error {
	if blockPos < d.outputOffset {
		return fmt.Errorf("block at %d overlaps already-written output (cursor at %d)", blockPos, d.outputOffset)
	}
	if blockPos > d.outputOffset {
		d.buffers[blockPos] = payload
		return nil
	}

	if err := d.write(payload); err != nil {
		return err
	}
	for {
		next, ok := d.buffers[d.outputOffset]
		if !ok {
			break
		}
		delete(d.buffers, d.outputOffset)
		if err := d.write(next); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) write(p []byte) error {
	if _, err := d.out.Write(p); err != nil {
		return err
	}
	d.outputOffset += int64(len(p))
	return nil
}

// finish implements spec.md §4.5's EOF/end-of-records handling: success
// iff every buffered block has drained.
func (d *decoder) finish() error {
	if len(d.buffers) != 0 {
		return fmt.Errorf("%d output buffer(s) left undrained at end of input", len(d.buffers))
	}
	return nil
}
