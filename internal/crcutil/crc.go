// Package crcutil provides the integrity primitives used across the
// on-spare metadata format: a CRC32 variant bit-compatible across
// implementations, plus target-local monotonic counters.
package crcutil

import "hash/crc32"

// ieeeTable is the IEEE 802.3 CRC32 polynomial table (0xEDB88320, reflected).
// This is the exact variant required by spec.md §4.A for on-disk compatibility:
// seeded with 0xFFFFFFFF, final XOR 0xFFFFFFFF — which is precisely what
// hash/crc32's IEEE table already does via crc32.ChecksumIEEE.
var ieeeTable = crc32.MakeTable(crc32.IEEE)

// Checksum computes the IEEE CRC32 of data, continuing from seed.
//
// Callers that want a fresh checksum over a single buffer should pass
// crc32.IEEE's implicit seed by calling Sum instead; Checksum exists for
// callers that need to fold several byte ranges into one running CRC
// (the codec folds header + entries before the trailer).
func Checksum(seed uint32, data []byte) uint32 {
	return crc32.Update(seed, ieeeTable, data)
}

// Sum computes the IEEE CRC32 of a single contiguous buffer.
func Sum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
