//go:build !windows

package encoder

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/elliotnunn/blockalign/internal/decoder"
	"github.com/elliotnunn/blockalign/internal/hashdb"
	"github.com/elliotnunn/blockalign/internal/outbuf"
	"github.com/elliotnunn/blockalign/internal/wireformat"
)

func writeSidecarFile(t *testing.T, entries [][2]int64) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hashfile")
	buf := make([]byte, 0, len(entries)*8)
	for _, e := range entries {
		var b [8]byte
		binary.LittleEndian.PutUint32(b[0:4], uint32(e[0]))
		binary.LittleEndian.PutUint32(b[4:8], uint32(int32(e[1])))
		buf = append(buf, b[:]...)
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// anywhereInputPositions drains every anywhere item and returns their
// InputPos, so a test can tell whether a specific buffered item was
// demoted into anywhere without reaching into outbuf's unexported
// fields from another package.
func anywhereInputPositions(buf *outbuf.Buffer) []int64 {
	var got []int64
	for {
		it, ok := buf.TakeBestFit(math.MaxInt64, outbuf.FitOff)
		if !ok {
			break
		}
		got = append(got, it.InputPos)
	}
	return got
}

// TestDoubleCheckAcceptsEndPlusFitOff regression-tests the late-rejection
// formula: the sidecar hit must be compared against the buffered item's
// *end* (item.Offset + len(item.Data)) plus FitOff, not just its start,
// per original_source/blockalign_src/main.cpp:801-802. A targeted item
// whose sidecar-confirmed placement satisfies that formula must be kept
// targeted and written, not demoted.
func TestDoubleCheckAcceptsEndPlusFitOff(t *testing.T) {
	const crc = 0xAABBCCDD
	data := make([]byte, 500)
	itemOffset := int64(200000) // gap from output_pos=0 exceeds DoubleCheckLim
	confirmedAbs := itemOffset + int64(len(data)) + outbuf.FitOff

	hashPath := writeSidecarFile(t, [][2]int64{{crc, confirmedAbs}})
	db := hashdb.Open(hashPath)
	defer db.Close()

	e := &encoder{out: io.Discard, db: db}
	e.buf.Add(itemOffset, crc, data, 999)

	if err := e.processBlock(data, crc); err != nil {
		t.Fatal(err)
	}

	for _, ip := range anywhereInputPositions(&e.buf) {
		if ip == 999 {
			t.Fatal("a double check confirmed at item.Offset+len(data)+FitOff must not demote the item")
		}
	}
}

// TestDoubleCheckRejectsStartPlusFitOff is the inverse: a sidecar hit
// that only satisfies the old, incorrect item.Offset+FitOff formula
// (ignoring the buffered item's own length) must fail the double check
// and demote the item into anywhere.
func TestDoubleCheckRejectsStartPlusFitOff(t *testing.T) {
	const crc = 0xAABBCCDD
	data := make([]byte, 500)
	itemOffset := int64(200000)
	wrongAbs := itemOffset + outbuf.FitOff // missing +len(data)

	hashPath := writeSidecarFile(t, [][2]int64{{crc, wrongAbs}})
	db := hashdb.Open(hashPath)
	defer db.Close()

	e := &encoder{out: io.Discard, db: db}
	e.buf.Add(itemOffset, crc, data, 999)

	if err := e.processBlock(data, crc); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, ip := range anywhereInputPositions(&e.buf) {
		if ip == 999 {
			found = true
		}
	}
	if !found {
		t.Fatal("a double check failing the end+FitOff formula must demote the item into anywhere")
	}
}

// TestEmitContentSeparatesBlockMapFromSidecarDelta regression-tests the
// bug where both deltas were computed from output_pos: the block map
// must record where a block lived in the original input (so the
// decoder restores it to the right offset), while the sidecar records
// where it was actually written this run (so a future re-encode's hash
// lookup can find it). An item that went through AddAnywhere routinely
// has an InputPos far from the cursor it is eventually written at, so
// this distinguishes the two deltas.
func TestEmitContentSeparatesBlockMapFromSidecarDelta(t *testing.T) {
	e := &encoder{out: io.Discard, outputPos: 5000}
	it := outbuf.Item{CRC: 0xabc, Data: []byte("hello"), InputPos: 12345}

	if err := e.emitContent(it); err != nil {
		t.Fatal(err)
	}

	wantBlockmapDelta := int32(it.InputPos - wireformat.NominalOffset(0))
	if got := e.blockmap[0]; got != wantBlockmapDelta {
		t.Fatalf("blockmap delta = %d, want %d (input-position-based, not output_pos-based)", got, wantBlockmapDelta)
	}
}

func TestEncodeEmptyProducesHeaderAndTrailer(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in")
	outPath := filepath.Join(dir, "out")
	if err := os.WriteFile(inPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	st, err := Run(inPath, outPath, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if st.NContentBlocks != 0 {
		t.Fatalf("NContentBlocks = %d, want 0 for empty input", st.NContentBlocks)
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) < 12+4+8 {
		t.Fatalf("output too short: %d bytes", len(raw))
	}
	bmsize := binary.LittleEndian.Uint64(raw[len(raw)-8:])
	if bmsize != 0 {
		t.Fatalf("empty input starts already 4-byte aligned, so no alignment padding is needed: bmsize = %d, want 0", bmsize)
	}
	if int64(len(raw)) != 12+4+8 {
		t.Fatalf("empty input's output should be exactly header+trailer, got %d bytes", len(raw))
	}
}

func TestEncodeTracksContentBlockStats(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in")
	outPath := filepath.Join(dir, "out")
	data := bytes.Repeat([]byte{0x37}, 3*wireformat.BlocksizeMax)
	if err := os.WriteFile(inPath, data, 0o600); err != nil {
		t.Fatal(err)
	}

	st, err := Run(inPath, outPath, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if st.NContentBlocks == 0 {
		t.Fatal("expected at least one content block for non-empty input")
	}
	if st.TotalBlockBytes != int64(len(data)) {
		t.Fatalf("TotalBlockBytes = %d, want %d", st.TotalBlockBytes, len(data))
	}
}

// TestSidecarMmapFailureFallsBackGracefully exercises HashDb's true
// error state (distinct from "file missing" or "zero length"): a
// hashfile path that exists but cannot be mapped, here a directory.
// Per spec.md §7, this is a recoverable logical failure: the encoder
// must still produce a decodable output, writing every block
// immediately without consulting the sidecar.
func TestSidecarMmapFailureFallsBackGracefully(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in")
	outPath := filepath.Join(dir, "out")
	decodedPath := filepath.Join(dir, "decoded")
	hashDir := filepath.Join(dir, "hashfile-is-a-dir")
	if err := os.Mkdir(hashDir, 0o700); err != nil {
		t.Fatal(err)
	}

	data := bytes.Repeat([]byte{0x09}, 10*wireformat.BlocksizeMax)
	if err := os.WriteFile(inPath, data, 0o600); err != nil {
		t.Fatal(err)
	}

	// hashPath must be writable as "<hashPath>.new" for the sidecar
	// write, so point at a file path whose sibling directory exists,
	// not the directory itself.
	hashPath := filepath.Join(dir, "hashfile")
	if err := os.Symlink(hashDir, hashPath); err == nil {
		defer os.Remove(hashPath)
	} else {
		t.Skipf("symlink not supported in this environment: %v", err)
	}

	if _, err := Run(inPath, outPath, hashPath, false); err != nil {
		t.Fatalf("encode with an unmappable hashfile should not fail: %v", err)
	}
	if err := decoder.Run(outPath, decodedPath); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := os.ReadFile(decodedPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round trip mismatch after sidecar mmap failure fallback")
	}
}
