// Package counters implements the per-target observability counters of
// spec.md §4.K: independent atomics, read consistency across counters is
// not guaranteed and is not required (spec.md §5).
package counters

import "sync/atomic"

// Counters holds every observability counter a Target exposes read-only.
type Counters struct {
	TotalBios              atomic.Uint64
	ReadBios               atomic.Uint64
	WriteBios              atomic.Uint64
	ReadErrors             atomic.Uint64
	WriteErrors            atomic.Uint64
	AutoRemaps             atomic.Uint64
	AdminRemaps            atomic.Uint64
	AllocatorFailures      atomic.Uint64
	PersistFailures        atomic.Uint64
	MetadataCopiesWritten  atomic.Uint64
	MetadataReadsSucceeded atomic.Uint64
	ReassemblyConfidence   atomic.Int64
}

// Snapshot is a point-in-time, non-atomic copy for reporting (spec.md §4.K/§6).
type Snapshot struct {
	TotalBios              uint64
	ReadBios               uint64
	WriteBios              uint64
	ReadErrors             uint64
	WriteErrors            uint64
	AutoRemaps             uint64
	AdminRemaps            uint64
	AllocatorFailures      uint64
	PersistFailures        uint64
	MetadataCopiesWritten  uint64
	MetadataReadsSucceeded uint64
	ReassemblyConfidence   int64
}

// Snapshot reads every counter independently; see spec.md §5 on why no
// cross-counter consistency is guaranteed or required.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		TotalBios:              c.TotalBios.Load(),
		ReadBios:               c.ReadBios.Load(),
		WriteBios:              c.WriteBios.Load(),
		ReadErrors:             c.ReadErrors.Load(),
		WriteErrors:            c.WriteErrors.Load(),
		AutoRemaps:             c.AutoRemaps.Load(),
		AdminRemaps:            c.AdminRemaps.Load(),
		AllocatorFailures:      c.AllocatorFailures.Load(),
		PersistFailures:        c.PersistFailures.Load(),
		MetadataCopiesWritten:  c.MetadataCopiesWritten.Load(),
		MetadataReadsSucceeded: c.MetadataReadsSucceeded.Load(),
		ReassemblyConfidence:   c.ReassemblyConfidence.Load(),
	}
}
