package chunker

import (
	"bytes"
	"testing"

	"github.com/elliotnunn/blockalign/internal/crc32c"
	"github.com/elliotnunn/blockalign/internal/wireformat"
)

func TestShortTail(t *testing.T) {
	window := []byte("The quick brown.") // 16 bytes, < BLOCKSIZE_MIN
	length, chash := Next(window)
	if length != len(window) {
		t.Fatalf("length = %d, want %d", length, len(window))
	}
	if want := crc32c.Sum(0, window); chash != want {
		t.Fatalf("chash = %#08x, want %#08x", chash, want)
	}
}

func TestExactlyBlocksizeMin(t *testing.T) {
	window := bytes.Repeat([]byte{0x00}, wireformat.BlocksizeMin)
	length, chash := Next(window)
	if length != wireformat.BlocksizeMin {
		t.Fatalf("length = %d, want %d", length, wireformat.BlocksizeMin)
	}
	want := crc32c.Sum(0, window[:wireformat.BlocksizeMin])
	if chash != want {
		t.Fatalf("chash = %#08x, want %#08x", chash, want)
	}
}

func TestForcesBoundaryByMax(t *testing.T) {
	// A long run of identical bytes must still terminate a block by
	// BLOCKSIZE_MAX, even though it may also terminate earlier by chance.
	window := bytes.Repeat([]byte{0x41}, wireformat.BlocksizeMax*3)
	length, _ := Next(window)
	if length < 1 || length > wireformat.BlocksizeMax {
		t.Fatalf("length = %d out of range [1, %d]", length, wireformat.BlocksizeMax)
	}
}

func TestDeterministic(t *testing.T) {
	window := bytes.Repeat([]byte("0123456789abcdef"), 200)
	l1, c1 := Next(window)
	l2, c2 := Next(window)
	if l1 != l2 || c1 != c2 {
		t.Fatalf("chunker is not deterministic: (%d,%#08x) vs (%d,%#08x)", l1, c1, l2, c2)
	}
}

func TestPseudorandomInputYieldsManyBlocks(t *testing.T) {
	// Chunking 64 KiB of pseudorandom bytes end to end must split it into
	// many blocks, not one forced-maximum block after another.
	base := make([]byte, 64*1024)
	x := uint32(0xdeadbeef)
	for i := range base {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		base[i] = byte(x)
	}

	var lens1 []int
	for w := base; len(w) > 0; {
		l, _ := Next(w)
		lens1 = append(lens1, l)
		w = w[l:]
	}

	if len(lens1) < 10 {
		t.Fatalf("expected many blocks from %d bytes, got %d", len(base), len(lens1))
	}
}

func TestWholeInputConsumed(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxyz"), 500)
	var total int
	for w := data; len(w) > 0; {
		l, _ := Next(w)
		if l <= 0 || l > len(w) {
			t.Fatalf("invalid length %d for remaining %d", l, len(w))
		}
		total += l
		w = w[l:]
	}
	if total != len(data) {
		t.Fatalf("consumed %d bytes, want %d", total, len(data))
	}
}
