// Copyright (c) Elliot Nunn
// Licensed under the MIT license

//go:build !windows

// Package mmapfile wraps golang.org/x/sys/unix's mmap/munmap with the
// page-alignment bookkeeping spec.md §5 calls for: POSIX requires the
// offset passed to mmap(2) to be a multiple of the system page size, so
// a caller wanting an arbitrary byte range [start, end) of a file must
// map from floor(start) to the page boundary and slice the requested
// range back out.
//
// Each returned [Mapping] has exactly one owner and must be released once
// with [Mapping.Close]; nothing here exposes a raw pointer; callers only
// ever see a read-only byte slice.
package mmapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is a read-only view of part of a file, backed by mmap.
type Mapping struct {
	raw      []byte // the full, page-aligned mmap region
	Bytes    []byte // the requested [start, start+length) slice of raw
	pageSize int64
}

// Open memory-maps the byte range [start, start+length) of the file at
// fd read-only. length must be > 0.
func Open(fd int, start, length int64) (*Mapping, error) {
	if length <= 0 {
		return nil, fmt.Errorf("mmapfile: non-positive length %d", length)
	}

	pageSize := int64(os.Getpagesize())
	alignedStart := start - start%pageSize
	skip := start - alignedStart

	raw, err := unix.Mmap(fd, alignedStart, int(skip+length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: mmap: %w", err)
	}

	return &Mapping{raw: raw, Bytes: raw[skip : skip+length], pageSize: pageSize}, nil
}

// Close unmaps the region. A Mapping must not be used afterward.
func (m *Mapping) Close() error {
	if m == nil || m.raw == nil {
		return nil
	}
	raw := m.raw
	m.raw = nil
	m.Bytes = nil
	if err := unix.Munmap(raw); err != nil {
		return fmt.Errorf("mmapfile: munmap: %w", err)
	}
	return nil
}
