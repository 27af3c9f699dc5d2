// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package crc32c implements the CRC-32C (Castagnoli) checksum used
// throughout blockalign as an opaque block fingerprint.
//
// The polynomial (0x82F63B78, iSCSI/Castagnoli) and the initial/final XOR
// of 0xFFFFFFFF are part of the on-disk contract: two encoders computing
// the same bytes must agree on the same chash, or a reused sidecar stops
// matching. [Sum] is built on the standard library's table-driven
// hash/crc32, which already applies that initial/final XOR internally and
// composes correctly across calls: Sum(Sum(0, a), b) == Sum(0, append(a,
// b...)).
package crc32c

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// Sum extends a running CRC-32C value over buf. Passing crc=0 starts a
// fresh checksum; passing a previous Sum result continues it.
func Sum(crc uint32, buf []byte) uint32 {
	return crc32.Update(crc, table, buf)
}
