package metadata

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
)

// fingerprintWireSize is the on-disk size of one DeviceFingerprint, per
// spec.md §4.D: path(256) + size(8) + content hash(4) + UUID(37) + reserved(11).
const fingerprintWireSize = 256 + 8 + 4 + 37 + 11

// Fingerprint is the identifying tuple for a block device, used only for
// fuzzy matching at reassembly (spec.md §3 DeviceFingerprint). It is never
// authoritative identity by itself.
type Fingerprint struct {
	Path        [256]byte
	SizeSectors uint64
	ContentHash uint32
	UUID        [37]byte
	Reserved    [11]byte
}

// NewFingerprint builds a Fingerprint from caller-supplied values, NUL-padding
// the variable-length strings into their fixed wire slots.
func NewFingerprint(path string, sizeSectors uint64, contentHash uint32, uuid string) Fingerprint {
	var fp Fingerprint

	copy(fp.Path[:], path)
	fp.SizeSectors = sizeSectors
	fp.ContentHash = contentHash
	copy(fp.UUID[:], uuid)

	return fp
}

// PathString returns the NUL-padded path field as a Go string.
func (f Fingerprint) PathString() string {
	return cStringTrim(f.Path[:])
}

// UUIDString returns the NUL-padded UUID field as a Go string.
func (f Fingerprint) UUIDString() string {
	return cStringTrim(f.UUID[:])
}

func cStringTrim(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}

// encodeFingerprint serializes a Fingerprint into its fixed 316-byte wire
// form using restruct's reflection-driven struct packing (the same way the
// exfat reader in the retrieval pack turns fixed-size on-disk structures
// into byte slices), rather than hand-rolling field-by-field PutUint calls
// for this particular substructure.
func encodeFingerprint(fp Fingerprint) ([]byte, error) {
	return restruct.Pack(binary.LittleEndian, &fp)
}

// decodeFingerprint parses a 316-byte buffer into a Fingerprint.
func decodeFingerprint(buf []byte) (Fingerprint, error) {
	var fp Fingerprint

	err := restruct.Unpack(buf, binary.LittleEndian, &fp)

	return fp, err
}
