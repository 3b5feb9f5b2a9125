// Package blockdevtest provides an in-memory blockdev.Device double for
// driving spec.md §8 scenarios that need to corrupt bytes or fail specific
// I/O (scenarios C, D, E). It is modeled on pkg/fs's Chaos/
// Crash fakes (byte-range corruption, selective write failure) but kept
// deliberately small: spec.md §1 places a general-purpose failure-
// injecting test harness out of scope as a shippable product feature, so
// this package is test-only plumbing (the io/iotest idiom: a small,
// importable-from-_test.go-files double, never linked into cmd/dmremapctl
// or pkg/dmremap) rather than a reusable fault-injection framework.
package blockdevtest

import (
	"fmt"
	"sync"

	"github.com/dm-remap/dm-remap/internal/blockdev"
)

// Fake is an in-memory Device backed by a byte slice, with hooks to
// corrupt arbitrary sector ranges or fail the next N writes.
type Fake struct {
	mu   sync.Mutex
	data []byte
	path string

	failNextWrites int
	failErr        error
}

// New returns a Fake of the given size in sectors, zero-filled.
func New(path string, sizeSectors uint64) *Fake {
	return &Fake{
		data: make([]byte, sizeSectors*blockdev.SectorSize),
		path: path,
	}
}

func (f *Fake) ReadAt(p []byte, sector uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	off := sector * blockdev.SectorSize
	if off+uint64(len(p)) > uint64(len(f.data)) {
		return fmt.Errorf("blockdevtest: read out of range at sector %d", sector)
	}

	copy(p, f.data[off:off+uint64(len(p))])

	return nil
}

func (f *Fake) WriteAt(p []byte, sector uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNextWrites > 0 {
		f.failNextWrites--
		return f.failErr
	}

	off := sector * blockdev.SectorSize
	if off+uint64(len(p)) > uint64(len(f.data)) {
		return fmt.Errorf("blockdevtest: write out of range at sector %d", sector)
	}

	copy(f.data[off:off+uint64(len(p))], p)

	return nil
}

func (f *Fake) SizeSectors() uint64 { return uint64(len(f.data)) / blockdev.SectorSize }
func (f *Fake) Path() string        { return f.path }
func (f *Fake) Sync() error         { return nil }
func (f *Fake) Close() error        { return nil }

// CorruptSectors overwrites length sectors starting at start with the
// given byte pattern, simulating a media defect discovered only on the
// next read (spec.md §8 scenario C/D).
func (f *Fake) CorruptSectors(start, length uint64, pattern byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	off := start * blockdev.SectorSize
	end := off + length*blockdev.SectorSize

	for i := off; i < end && i < uint64(len(f.data)); i++ {
		f.data[i] = pattern
	}
}

// FailNextWrites makes the next n WriteAt calls return err.
func (f *Fake) FailNextWrites(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failNextWrites = n
	f.failErr = err
}

// IsZeroed reports whether the length sectors starting at start read back
// as all-zero bytes, used by reassembly's "all copies invalid, spare is
// zeroed -> start fresh" rule (spec.md §7 IntegrityError).
func (f *Fake) IsZeroed(start, length uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	off := start * blockdev.SectorSize
	end := off + length*blockdev.SectorSize

	if end > uint64(len(f.data)) {
		return false, fmt.Errorf("blockdevtest: IsZeroed out of range at sector %d", start)
	}

	for _, b := range f.data[off:end] {
		if b != 0 {
			return false, nil
		}
	}

	return true, nil
}

var _ blockdev.Device = (*Fake)(nil)
