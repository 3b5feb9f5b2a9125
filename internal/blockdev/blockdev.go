// Package blockdev abstracts the main and spare block devices a Target
// attaches to, the way pkg/fs abstracts the filesystem
// (fs.go's File/FS interfaces) for testing and fault injection. Here the
// unit of access is a sector range on an open device, not a named file
// path, since main and spare are already-open block devices by the time
// the core touches them (spec.md §6: the core takes two device paths and
// opens them itself).
package blockdev

import (
	"fmt"
	"io"
	"os"
)

// SectorSize is the fixed sector size assumed throughout the core.
const SectorSize = 512

// Device is a sector-addressable block device. Implementations must be
// safe for concurrent use by multiple goroutines: the bio engine issues
// reads/writes to main and spare concurrently from many goroutines, and
// the persistence engine's worker issues metadata writes to spare
// concurrently with bio traffic.
//
// Real production code gets a Device from Open; tests use a fake (see
// internal/blockdev/blockdevtest) that can corrupt or fail specific
// sector ranges to drive spec.md §8 scenarios C/D/E.
type Device interface {
	// ReadAt reads len(p) bytes starting at the given sector.
	ReadAt(p []byte, sector uint64) error

	// WriteAt writes p starting at the given sector.
	WriteAt(p []byte, sector uint64) error

	// SizeSectors returns the device capacity in sectors.
	SizeSectors() uint64

	// Path returns the path the device was opened from (best-effort
	// identity, spec.md §3 DeviceFingerprint — "may change across reboots").
	Path() string

	// Sync flushes any buffered writes. Nothing in the core calls it: the
	// persistence engine (spec.md §4.F) relies on block layer ordering
	// after copy writes, the `sync` admin command (spec.md §4.J) rewrites
	// the metadata copies without a device Sync, and detach closes the
	// devices without one.
	Sync() error

	// IsZeroed reports whether the length sectors starting at sector read
	// back as all-zero bytes. Reassembly uses this over exactly the
	// metadata copy locations to distinguish a genuinely fresh spare from
	// one carrying torn or corrupted metadata (spec.md §7 IntegrityError:
	// "all copies invalid and spare is zeroed -> start fresh; all copies
	// invalid and spare is not zeroed -> refuse attach").
	IsZeroed(sector, length uint64) (bool, error)

	// Close releases the underlying OS handle.
	Close() error
}

// realDevice is the production Device implementation, backed by an
// *os.File opened on a block device or a regular file standing in for one
// (the common way to exercise this code against a loopback-style image in
// tests and in environments with no real block device attached).
type realDevice struct {
	f    *os.File
	path string
	size uint64
}

// Open opens path as a Device. size is the device capacity in sectors; the
// caller (Target attach) is expected to have already determined it via
// Stat or an administrator-supplied override, since block devices do not
// universally support os.File.Stat().Size() the way regular files do.
func Open(path string, sizeSectors uint64) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600) //nolint:gosec // path is an administrator-supplied device.
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}

	return &realDevice{f: f, path: path, size: sizeSectors}, nil
}

func (d *realDevice) ReadAt(p []byte, sector uint64) error {
	_, err := d.f.ReadAt(p, int64(sector)*SectorSize)
	if err != nil && err != io.EOF {
		return fmt.Errorf("blockdev: read %s at sector %d: %w", d.path, sector, err)
	}

	return nil
}

func (d *realDevice) WriteAt(p []byte, sector uint64) error {
	if _, err := d.f.WriteAt(p, int64(sector)*SectorSize); err != nil {
		return fmt.Errorf("blockdev: write %s at sector %d: %w", d.path, sector, err)
	}

	return nil
}

func (d *realDevice) SizeSectors() uint64 { return d.size }
func (d *realDevice) Path() string        { return d.path }

func (d *realDevice) Sync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("blockdev: sync %s: %w", d.path, err)
	}

	return nil
}

func (d *realDevice) IsZeroed(sector, length uint64) (bool, error) {
	buf := make([]byte, length*SectorSize)
	if err := d.ReadAt(buf, sector); err != nil {
		return false, err
	}

	for _, b := range buf {
		if b != 0 {
			return false, nil
		}
	}

	return true, nil
}

func (d *realDevice) Close() error {
	if err := d.f.Close(); err != nil {
		return fmt.Errorf("blockdev: close %s: %w", d.path, err)
	}

	return nil
}

// StatSectors returns the size of the file or block device at path, in
// sectors, the way a real attach call determines spare/main capacity
// before opening a Device.
func StatSectors(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("blockdev: stat %s: %w", path, err)
	}

	size := info.Size()
	if size%SectorSize != 0 {
		return 0, fmt.Errorf("blockdev: %s size %d is not sector-aligned", path, size)
	}

	return uint64(size) / SectorSize, nil
}
