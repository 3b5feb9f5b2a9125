// Package metadata implements the on-spare metadata codec (spec.md §4.D):
// the fixed-offset, little-endian, CRC-trailed serialization of a
// MetadataCopy, bit-exact across implementations per spec.md §6.
package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dm-remap/dm-remap/internal/crcutil"
)

// Wire format constants, spec.md §4.D.
const (
	Magic        = "DMR4"
	magicLE      = 0x34524D44 // ASCII "DMR4" read as a little-endian uint32
	VersionMajor = 1
	VersionMinor = 0

	// SectorSize is the fixed block size assumed throughout the format.
	SectorSize = 512

	// CopySectors is the fixed on-disk footprint of one metadata copy,
	// spec.md §4.E's minimum metadata footprint (8 sectors / 4 KiB).
	CopySectors = 8
	CopyBytes   = CopySectors * SectorSize

	entrySize = 16 // main_sector(8) + spare_sector(8)

	offMagic        = 0
	offVersionMajor = 4
	offVersionMinor = 6
	offPayloadLen   = 8
	offSequence     = 12
	offTimestamp    = 20
	offMainFP       = 28
	offSpareFP      = offMainFP + fingerprintWireSize
	offEntryCount   = offSpareFP + fingerprintWireSize
	offEntries      = offEntryCount + 4

	// fixedHeaderSize is everything before the entry array.
	fixedHeaderSize = offEntries
	trailerSize     = 4

	// MaxEntriesPerCopy is how many RemapEntry records fit in one
	// CopyBytes-sized image alongside the fixed header and CRC trailer.
	MaxEntriesPerCopy = (CopyBytes - fixedHeaderSize - trailerSize) / entrySize
)

// Errors returned by Decode, classified per spec.md §7 IntegrityError.
var (
	ErrBadMagic       = errors.New("metadata: bad magic")
	ErrUnknownVersion = errors.New("metadata: unrecognized major version")
	ErrPayloadTooLong = errors.New("metadata: payload length exceeds buffer")
	ErrCRCMismatch    = errors.New("metadata: CRC32 mismatch")
	ErrTooManyEntries = errors.New("metadata: too many entries for one copy")
)

// RemapEntry is the on-disk (main_sector, spare_sector) pair, spec.md §4.D
// item 9. Flags are not persisted in the wire format (spec.md lists them as
// part of the in-memory RemapEntry but the wire layout in §4.D carries only
// the two sector fields); a reassembled entry is always marked valid.
type RemapEntry struct {
	Main  uint64
	Spare uint64
}

// Copy is a single on-disk metadata image (spec.md §3 MetadataCopy).
type Copy struct {
	Sequence  uint64
	Timestamp int64 // Unix seconds
	MainFP    Fingerprint
	SpareFP   Fingerprint
	Entries   []RemapEntry
}

// Encode serializes c into a CopyBytes-sized, sector-aligned buffer with a
// freshly computed CRC32 trailer. Returns ErrTooManyEntries if c.Entries
// does not fit in one copy's fixed footprint.
func Encode(c Copy) ([]byte, error) {
	if len(c.Entries) > MaxEntriesPerCopy {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyEntries, len(c.Entries), MaxEntriesPerCopy)
	}

	buf := make([]byte, CopyBytes)

	binary.LittleEndian.PutUint32(buf[offMagic:], magicLE)
	binary.LittleEndian.PutUint16(buf[offVersionMajor:], VersionMajor)
	binary.LittleEndian.PutUint16(buf[offVersionMinor:], VersionMinor)

	payloadLen := fixedHeaderSize - offSequence + len(c.Entries)*entrySize
	binary.LittleEndian.PutUint32(buf[offPayloadLen:], uint32(payloadLen))

	binary.LittleEndian.PutUint64(buf[offSequence:], c.Sequence)
	binary.LittleEndian.PutUint64(buf[offTimestamp:], uint64(c.Timestamp))

	mainFPBytes, err := encodeFingerprint(c.MainFP)
	if err != nil {
		return nil, fmt.Errorf("metadata: encode main fingerprint: %w", err)
	}

	copy(buf[offMainFP:offMainFP+fingerprintWireSize], mainFPBytes)

	spareFPBytes, err := encodeFingerprint(c.SpareFP)
	if err != nil {
		return nil, fmt.Errorf("metadata: encode spare fingerprint: %w", err)
	}

	copy(buf[offSpareFP:offSpareFP+fingerprintWireSize], spareFPBytes)

	binary.LittleEndian.PutUint32(buf[offEntryCount:], uint32(len(c.Entries)))

	for i, e := range c.Entries {
		off := offEntries + i*entrySize
		binary.LittleEndian.PutUint64(buf[off:], e.Main)
		binary.LittleEndian.PutUint64(buf[off+8:], e.Spare)
	}

	trailerOffset := offEntries + len(c.Entries)*entrySize

	// Fold the fixed header and the entry array as two separate chunks
	// through Checksum rather than one Sum call over the whole span: this
	// is the incremental form the trailer's CRC32 has always been
	// documented as using, and it must agree bit-for-bit with a plain
	// Sum over the same bytes for the codec to be self-consistent.
	crc := crcutil.Checksum(0, buf[:offEntries])
	crc = crcutil.Checksum(crc, buf[offEntries:trailerOffset])
	binary.LittleEndian.PutUint32(buf[trailerOffset:], crc)

	// Remaining bytes through CopyBytes stay zero padding.

	return buf, nil
}

// Decode parses and validates a metadata copy buffer. A rejected copy is
// not fatal at this layer (spec.md §4.D); the reassembly engine evaluates
// copies collectively and decides whether to proceed.
func Decode(buf []byte) (Copy, error) {
	if len(buf) < fixedHeaderSize+trailerSize {
		return Copy{}, fmt.Errorf("%w: buffer too small (%d bytes)", ErrPayloadTooLong, len(buf))
	}

	if binary.LittleEndian.Uint32(buf[offMagic:]) != magicLE {
		return Copy{}, ErrBadMagic
	}

	major := binary.LittleEndian.Uint16(buf[offVersionMajor:])
	if major != VersionMajor {
		return Copy{}, fmt.Errorf("%w: %d", ErrUnknownVersion, major)
	}

	payloadLen := binary.LittleEndian.Uint32(buf[offPayloadLen:])

	entryCount := binary.LittleEndian.Uint32(buf[offEntryCount:])
	expectedPayloadLen := uint32(fixedHeaderSize-offSequence) + entryCount*entrySize

	trailerOffset := offEntries + int(entryCount)*entrySize
	if payloadLen != expectedPayloadLen || trailerOffset+trailerSize > len(buf) {
		return Copy{}, fmt.Errorf("%w: declared %d, max fits %d", ErrPayloadTooLong, payloadLen, len(buf)-fixedHeaderSize)
	}

	storedCRC := binary.LittleEndian.Uint32(buf[trailerOffset:])
	computedCRC := crcutil.Sum(buf[:trailerOffset])

	if storedCRC != computedCRC {
		return Copy{}, fmt.Errorf("%w: stored %08x computed %08x", ErrCRCMismatch, storedCRC, computedCRC)
	}

	mainFP, err := decodeFingerprint(buf[offMainFP : offMainFP+fingerprintWireSize])
	if err != nil {
		return Copy{}, fmt.Errorf("metadata: decode main fingerprint: %w", err)
	}

	spareFP, err := decodeFingerprint(buf[offSpareFP : offSpareFP+fingerprintWireSize])
	if err != nil {
		return Copy{}, fmt.Errorf("metadata: decode spare fingerprint: %w", err)
	}

	entries := make([]RemapEntry, entryCount)

	for i := range entries {
		off := offEntries + i*entrySize
		entries[i] = RemapEntry{
			Main:  binary.LittleEndian.Uint64(buf[off:]),
			Spare: binary.LittleEndian.Uint64(buf[off+8:]),
		}
	}

	return Copy{
		Sequence:  binary.LittleEndian.Uint64(buf[offSequence:]),
		Timestamp: int64(binary.LittleEndian.Uint64(buf[offTimestamp:])),
		MainFP:    mainFP,
		SpareFP:   spareFP,
		Entries:   entries,
	}, nil
}
