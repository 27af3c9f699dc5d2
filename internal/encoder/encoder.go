// Copyright (c) Elliot Nunn
// Licensed under the MIT license

//go:build !windows

// Package encoder implements C4, blockalign's encode pipeline: it reads
// an input stream once, chunks it with internal/chunker, consults
// internal/hashdb for where each block previously landed, reorders
// blocks through internal/outbuf to minimize zero-fill padding, and
// writes the framed record stream plus trailing block map described in
// spec.md §6.1. It also drives the sidecar write described in §4.4's
// "New sidecar write".
package encoder

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	bufra "github.com/avvmoto/buf-readerat"

	"github.com/elliotnunn/blockalign/internal/blockmap"
	"github.com/elliotnunn/blockalign/internal/chunker"
	"github.com/elliotnunn/blockalign/internal/hashdb"
	"github.com/elliotnunn/blockalign/internal/outbuf"
	"github.com/elliotnunn/blockalign/internal/stats"
	"github.com/elliotnunn/blockalign/internal/wireformat"
)

// readAtBufSize is the buffer size handed to buf-readerat for the
// input's sequential refills; untuned, same rationale as the teacher's
// own use of the package ("syscalls to os.File are slow, buffer them").
const readAtBufSize = 64 * 1024

// Run encodes the file at inputPath to outputPath. hashPath, if
// non-empty, is consulted as the prior run's sidecar and a new sidecar
// is written to hashPath+".new", renamed to hashPath on success. Either
// path may be "-" to mean stdin/stdout; hashPath may be "" to mean "no
// sidecar at all" (every block goes through anywhere).
func Run(inputPath, outputPath, hashPath string, verbose bool) (*stats.Stats, error) {
	in, inSize, closeIn, err := openInput(inputPath)
	if err != nil {
		return nil, fmt.Errorf("encoder: open input: %w", err)
	}
	defer closeIn()

	out, closeOut, err := openOutput(outputPath)
	if err != nil {
		return nil, fmt.Errorf("encoder: open output: %w", err)
	}
	defer closeOut()

	var db *hashdb.DB
	var sidecarTmpPath string
	var sidecarOut *os.File
	if hashPath != "" {
		db = hashdb.Open(hashPath)
		defer db.Close()

		sidecarTmpPath = hashPath + ".new"
		sidecarOut, err = os.Create(sidecarTmpPath)
		if err != nil {
			return nil, fmt.Errorf("encoder: create sidecar: %w", err)
		}
		defer sidecarOut.Close()
	}

	e := &encoder{
		in:      in,
		inSize:  inSize,
		out:     out,
		db:      db,
		sidecar: sidecarOut,
		buf:     outbuf.Buffer{},
	}

	if err := e.encode(); err != nil {
		return &e.stats, err
	}

	if sidecarOut != nil {
		if err := sidecarOut.Close(); err != nil {
			return &e.stats, fmt.Errorf("encoder: close sidecar: %w", err)
		}
		// Prevent the deferred Close above from double-closing.
		sidecarOut = nil
		if err := os.Rename(sidecarTmpPath, hashPath); err != nil {
			return &e.stats, fmt.Errorf("encoder: rename sidecar: %w", err)
		}
	}

	if verbose {
		slog.Info("encodeStats",
			"contentBlocks", e.stats.NContentBlocks,
			"zeroFillBlocks", e.stats.NZeroFillBlocks,
			"avgBlockSize", e.stats.AverageBlockSize(),
			"hitPercent", e.stats.HitPercent(),
		)
	}

	return &e.stats, nil
}

func openInput(path string) (r io.ReaderAt, size int64, close func() error, err error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("read stdin: %w", err)
		}
		return &byteReaderAt{data: data}, int64(len(data)), func() error { return nil }, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, err
	}
	buffered := bufra.NewBufReaderAt(f, readAtBufSize)
	return buffered, st.Size(), f.Close, nil
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

// byteReaderAt adapts an in-memory buffer (stdin, slurped whole since
// it cannot be seeked) to io.ReaderAt for the rolling-buffer refill
// logic, which is otherwise agnostic to its input's backing store.
type byteReaderAt struct{ data []byte }

func (b *byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type encoder struct {
	in     io.ReaderAt
	inSize int64
	out    io.Writer

	db      *hashdb.DB
	sidecar *os.File

	buf outbuf.Buffer

	inputPos  int64
	outputPos int64
	nblock    int64
	blockmap  []int32

	// rolling read buffer
	window    []byte
	windowPos int64 // input offset of window[0]

	stats stats.Stats
}

// fillWindow ensures the rolling buffer holds up to RollingBufferCap
// bytes from windowPos+len(window) onward, per spec.md §4.4's "Rolling
// read buffer" state.
func (e *encoder) fillWindow() error {
	have := len(e.window)
	if have >= wireformat.BlocksizeMax || int64(have) >= e.inSize-e.windowPos {
		return nil
	}
	want := wireformat.RollingBufferCap - have
	readFrom := e.windowPos + int64(have)
	if readFrom+int64(want) > e.inSize {
		want = int(e.inSize - readFrom)
	}
	if want <= 0 {
		return nil
	}
	grown := make([]byte, have+want)
	copy(grown, e.window)
	n, err := e.in.ReadAt(grown[have:], readFrom)
	if err != nil && err != io.EOF {
		return err
	}
	e.window = grown[:have+n]
	return nil
}

// dropWindow discards n consumed bytes from the front of the window.
func (e *encoder) dropWindow(n int) {
	e.window = e.window[n:]
	e.windowPos += int64(n)
}

// emitContent writes one content record at the current output_pos,
// records its blockmap and sidecar entries, and advances state.
//
// The block map and the sidecar record two different quantities and
// must not be conflated: the block map stores where this block lived
// in the *original input stream* (pos_offset_input in
// original_source/blockalign_src/main.cpp's write_item, line 636-640),
// since that is what the decoder needs to restore the byte at its
// correct file offset. The sidecar stores where the block was
// actually *written this run* (pos_offset_output, line 647-649), since
// that is what a future re-encode's hash lookup needs in order to find
// it again.
func (e *encoder) emitContent(it outbuf.Item) error {
	if err := wireformat.WriteRecord(e.out, it.Data); err != nil {
		return err
	}

	blockmapDelta := it.InputPos - wireformat.NominalOffset(e.nblock)
	e.blockmap = append(e.blockmap, int32(blockmapDelta))

	if e.sidecar != nil {
		sidecarDelta := e.outputPos - wireformat.NominalOffset(e.nblock)
		if err := writeSidecarEntry(e.sidecar, it.CRC, int32(sidecarDelta)); err != nil {
			return fmt.Errorf("write sidecar entry: %w", err)
		}
	}

	e.stats.AddContentBlock(len(it.Data))
	e.outputPos += int64(len(it.Data))
	e.nblock++
	return nil
}

// emitContentAt is emitContent for a block written at the current
// output_pos without having passed through OutputBuffer at all (the
// immediate-hit and error-fallback paths). inputPos is the block's
// original position in the input stream.
func (e *encoder) emitContentAt(offset int64, crc uint32, data []byte, inputPos int64) error {
	return e.emitContent(outbuf.Item{Offset: offset, CRC: crc, Data: data, InputPos: inputPos})
}

// zeroFill writes zero-fill records from output_pos up to target T,
// per spec.md §4.4's "Zero-fill between output_pos and target offset".
func (e *encoder) zeroFill(t int64) error {
	for e.outputPos < t {
		remaining := t - e.outputPos
		l := remaining - 2
		if l > 65535 {
			l = 65535
		}
		if l < 0 {
			// Minimum-framing edge case: must still make progress even
			// though remaining < 3 (see spec.md §9). remaining == 2 is
			// the reachable case (a snug-packed gap too small for any
			// anywhere item): l == 0 is a valid, exact-fit zero-length
			// record and must be emitted as-is, not bumped to
			// `remaining` (which would overshoot T by LengthPrefixSize).
			l = remaining
		}
		payload := make([]byte, l)
		if err := wireformat.WriteRecord(e.out, payload); err != nil {
			return err
		}
		e.blockmap = append(e.blockmap, wireformat.ZeroFillMarker)
		e.stats.AddZeroFillBlock()
		e.outputPos += l + wireformat.LengthPrefixSize
		e.nblock++
	}
	return nil
}

// fillWithBacklog packs as many anywhere blocks as fit before the next
// targeted item (or before the end of the current block, if there is
// none), per spec.md §4.4's "Fill-with-backlog".
func (e *encoder) fillWithBacklog(blocklen int) error {
	target := e.outputPos + int64(blocklen)
	if item, ok := e.buf.Peek(e.outputPos); ok {
		target = item.Offset
	}
	return e.packGap(target)
}

// packGap greedily writes best-fit anywhere blocks into [output_pos,
// target), grounded on fill_with_backlog
// (original_source/blockalign_src/main.cpp:678-712): the same routine
// the reference calls both from the general per-block backlog fill and
// from process_block's double-check accept branch, just before the
// accepted targeted item is finally written (main.cpp:803).
func (e *encoder) packGap(target int64) error {
	for {
		available := target - e.outputPos
		if available <= 0 {
			return nil
		}
		it, ok := e.buf.TakeBestFit(available, outbuf.FitOff)
		if !ok {
			return nil
		}
		if err := e.emitContent(it); err != nil {
			return err
		}
	}
}

// enforceBufferSize drains the buffer toward MaxBacklog, per spec.md
// §4.4's "Enforce-buffer-size".
func (e *encoder) enforceBufferSize() error {
	for e.buf.Size() > wireformat.MaxBacklog {
		if it, ok := e.buf.Take(e.outputPos); ok {
			if err := e.emitContent(it); err != nil {
				return err
			}
			continue
		}
		if it, ok := e.buf.TakeBestFit(math.MaxInt64, outbuf.EnforceFitOff); ok {
			if err := e.emitContent(it); err != nil {
				return err
			}
			continue
		}
		if next, ok := e.buf.Peek(e.outputPos); ok {
			if err := e.zeroFill(next.Offset); err != nil {
				return err
			}
			continue
		}
		return nil // bound cannot be tightened further without new input
	}
	return nil
}

// processBlock runs the main-loop body (spec.md §4.4 "Main loop, per
// chunked block") for one chunked block of data.
func (e *encoder) processBlock(data []byte, crc uint32) error {
	item, hasItem := e.buf.Peek(e.outputPos)

	// Double check: a targeted item due far in the future is only
	// honored if this block's own hash independently confirms it
	// belongs right after that item (offset == item end + FitOff).
	// Grounded on process_block's double-check, main.cpp:793-812:
	// failing the check — including simply not being found at all —
	// demotes the item to anywhere, it does not keep it targeted.
	if hasItem && item.Offset-e.outputPos > wireformat.DoubleCheckLim && e.db != nil && !e.db.HasError() {
		accept := false
		if prefOffset, prefIdx, ok := e.db.Find(crc, e.outputPos); ok {
			if prefOffset == item.Offset+int64(len(item.Data))+outbuf.FitOff {
				accept = true
				e.db.SetNextIdx(prefIdx)
			}
		}
		if !accept {
			e.buf.Demote(e.outputPos)
			hasItem = false
		}
	}

	if hasItem {
		item, _ = e.buf.Take(e.outputPos)
		if err := e.packGap(item.Offset); err != nil {
			return err
		}
		if err := e.zeroFill(item.Offset); err != nil {
			return err
		}
		if err := e.emitContent(item); err != nil {
			return err
		}
	}

	canWrite := true
	if e.db != nil && e.db.HasError() {
		if err := e.emitContentAt(e.outputPos, crc, data, e.inputPos); err != nil {
			return err
		}
	} else if e.db != nil {
		// find_all scans the whole sidecar for telemetry only (spec.md
		// §4.4 "Statistics"); it is independent of find's windowed,
		// cursor-respecting search and must never affect placement.
		if _, _, anyOk := e.db.FindAll(crc); anyOk {
			e.stats.AddHashHit()
		}
		if offset, idx, ok := e.db.Find(crc, e.outputPos); ok {
			if offset == e.outputPos {
				e.db.SetNextIdx(idx)
				if err := e.emitContentAt(e.outputPos, crc, data, e.inputPos); err != nil {
					return err
				}
			} else {
				e.buf.Add(offset, crc, data, e.inputPos)
				if offset-e.outputPos > wireformat.DoubleCheckLim {
					canWrite = false
				}
			}
		} else {
			e.buf.AddAnywhere(crc, data, e.inputPos)
			canWrite = false
		}
	} else {
		e.buf.AddAnywhere(crc, data, e.inputPos)
		canWrite = false
	}

	if canWrite {
		return e.fillWithBacklog(len(data))
	}
	return e.enforceBufferSize()
}

func (e *encoder) encode() error {
	if err := wireformat.WriteHeader(e.out, wireformat.BlocksizeAvg); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for {
		if err := e.fillWindow(); err != nil {
			return fmt.Errorf("fill read buffer: %w", err)
		}
		if len(e.window) == 0 {
			break
		}
		length, chash := chunker.Next(e.window)
		data := append([]byte(nil), e.window[:length]...)
		if err := e.processBlock(data, chash); err != nil {
			return fmt.Errorf("process block at input offset %d: %w", e.inputPos, err)
		}
		e.dropWindow(length)
		e.inputPos += int64(length)
	}

	if err := e.drain(); err != nil {
		return fmt.Errorf("drain: %w", err)
	}

	if err := e.alignAndWriteBlockmap(); err != nil {
		return fmt.Errorf("write blockmap: %w", err)
	}

	return nil
}

// drain implements spec.md §4.4's "End-of-input drain". Grounded on
// flush_buffer (original_source/blockalign_src/main.cpp:719-734): the
// next targeted item is written at the current output_pos as-is, with
// no zero-fill to reach its own target offset — unlike the main loop's
// processBlock, the drain does not pad out to a targeted item's
// intended placement.
func (e *encoder) drain() error {
	for !e.buf.Empty() {
		if it, ok := e.buf.Take(e.outputPos); ok {
			if err := e.emitContent(it); err != nil {
				return err
			}
			continue
		}
		if it, ok := e.buf.TakeBestFit(math.MaxInt64, outbuf.EnforceFitOff); ok {
			if err := e.emitContent(it); err != nil {
				return err
			}
			continue
		}
		return fmt.Errorf("non-flushable targeted item stalled the drain loop")
	}
	return nil
}

// alignAndWriteBlockmap implements spec.md §4.4 step 3-4 of the
// end-of-input drain: pad to a 4-byte-aligned block map start, then
// write the trailing i32 blockmap and i64 count. Grounded on
// original_source/blockalign_src/main.cpp:1188-1192: the pad is only
// emitted when output_pos isn't already a multiple of 4, not
// unconditionally — skipping that guard would insert gratuitous
// zero-fill on every encode whose cursor already lands on a 4-byte
// boundary.
func (e *encoder) alignAndWriteBlockmap() error {
	if e.outputPos%4 != 0 {
		target := (e.outputPos + outbuf.FitOff) +
			(8 - (e.outputPos+outbuf.FitOff)%4)
		if err := e.zeroFill(target); err != nil {
			return err
		}
	}

	if _, err := blockmap.WriteTrailer(e.out, e.blockmap); err != nil {
		return err
	}
	return nil
}

func writeSidecarEntry(w io.Writer, chash uint32, posOffsetOutput int32) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], chash)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(posOffsetOutput))
	_, err := w.Write(buf[:])
	return err
}
