//go:build !windows

package hashdb

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func writeSidecar(t *testing.T, entries [][2]int64) string {
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

func TestMissingFileIsEmptyNotError(t *testing.T) {
	db := Open(filepath.Join(t.TempDir(), "does-not-exist"))
	defer db.Close()
	if db.HasError() {
		t.Fatal("missing sidecar must not be an error state")
	}
	if _, _, ok := db.Find(1234, 0); ok {
		t.Fatal("empty DB must never hit")
	}
}

func TestZeroLengthFileIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty-hashfile")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	db := Open(path)
	defer db.Close()
	if db.HasError() {
		t.Fatal("zero-length sidecar must not be an error state")
	}
}

func TestFindExactOffset(t *testing.T) {
	// Block 0 at nominal offset 0 with delta 5 -> absolute offset 5.
	path := writeSidecar(t, [][2]int64{{0xAABBCCDD, 5}})
	db := Open(path)
	defer db.Close()

	off, idx, ok := db.Find(0xAABBCCDD, 0)
	if !ok || off != 5 || idx != 0 {
		t.Fatalf("Find = (%d, %d, %v), want (5, 0, true)", off, idx, ok)
	}
}

func TestFindRespectsMinOffset(t *testing.T) {
	path := writeSidecar(t, [][2]int64{{42, 0}, {42, 100}})
	db := Open(path)
	defer db.Close()

	// Entry 1 sits at nominal offset 1*546, so delta 100 -> absolute 646.
	off, idx, ok := db.Find(42, 50)
	if !ok || off != 646 || idx != 1 {
		t.Fatalf("Find with minOffset=50 = (%d, %d, %v), want (646, 1, true)", off, idx, ok)
	}
}

func TestFindMissOnWrongCRC(t *testing.T) {
	path := writeSidecar(t, [][2]int64{{1, 0}})
	db := Open(path)
	defer db.Close()

	if _, _, ok := db.Find(2, 0); ok {
		t.Fatal("Find must miss on CRC mismatch")
	}
}

func TestSetNextIdxMovesCursor(t *testing.T) {
	path := writeSidecar(t, [][2]int64{{7, 0}, {7, 0}, {7, 0}})
	db := Open(path)
	defer db.Close()

	db.SetNextIdx(1)
	_, idx, ok := db.Find(7, 0)
	if !ok || idx != 1 {
		t.Fatalf("Find after SetNextIdx(1) = idx %d, want 1", idx)
	}
}

func TestFindAllIgnoresCursorAndMinOffset(t *testing.T) {
	path := writeSidecar(t, [][2]int64{{9, 0}, {9, 0}})
	db := Open(path)
	defer db.Close()

	db.SetNextIdx(1)
	off, idx, ok := db.FindAll(9)
	if !ok || idx != 0 || off != 0 {
		t.Fatalf("FindAll = (%d, %d, %v), want (0, 0, true)", off, idx, ok)
	}
}
