// Package allocator implements the spare-sector allocator of spec.md §4.H:
// a linear, wrapping scan over the spare device that skips reserved
// metadata extents (internal/reservation) and sectors already claimed by
// a live remap entry (internal/remaptable), handing out allocationUnit-
// aligned sectors to the bio engine's auto-remap path.
//
// Grounded on pkg/slotcache's free-slot scan (writer.go's
// linear probe from a cached cursor, wrapping at capacity) generalized
// from a fixed slot array to a sector range with two independent
// exclusion sources.
package allocator

import (
	"errors"
	"sync"

	"github.com/dm-remap/dm-remap/internal/remaptable"
	"github.com/dm-remap/dm-remap/internal/reservation"
)

// ErrNoCapacity is returned when no free, unreserved, unit-aligned sector
// remains on the spare device (spec.md §4.H, §8 scenario F).
var ErrNoCapacity = errors.New("allocator: spare device exhausted")

// Allocator hands out spare sectors for auto-remap. A single mutex
// serializes allocation (spec.md §5: "the allocator's own mutex, held only
// for the scan and the provisional reservation"); it never blocks on
// device I/O or on the remap table's lock beyond the one snapshot read
// taken at construction.
//
// Allocator is the sole authority on which spare units are in use: it
// seeds its own used-unit set from the remap table's entries at
// construction (attach or post-reassembly rebuild) and then owns that set
// exclusively, rather than re-querying the table by spare sector on every
// Allocate call — remaptable is keyed by main sector, so a reverse lookup
// would require a second index there for a property only the allocator
// needs.
type Allocator struct {
	mu           sync.Mutex
	reservations *reservation.Map
	unit         uint64 // allocation unit, in sectors
	spareSectors uint64
	cursor       uint64        // next-fit scan position; not persisted (spec.md §9)
	used         map[uint64]bool // allocated unit index -> in use
}

// New returns an Allocator scanning a spare device of spareSectors size,
// skipping reservations in resv and units already live in table,
// allocating in units of unitSectors (spec.md §4.H default: 8, matching
// one metadata copy's footprint, overridable via Target Options).
func New(resv *reservation.Map, table *remaptable.Table, spareSectors, unitSectors uint64) *Allocator {
	if unitSectors == 0 {
		unitSectors = 1
	}

	a := &Allocator{
		reservations: resv,
		unit:         unitSectors,
		spareSectors: spareSectors,
		used:         make(map[uint64]bool),
	}

	for _, e := range table.IterSnapshot() {
		a.used[e.Spare/unitSectors] = true
	}

	return a
}

// Allocate returns the next free spare sector, advancing the internal
// cursor past it. Scans at most one full wrap of the device before
// reporting ErrNoCapacity (spec.md §8 scenario F).
func (a *Allocator) Allocate() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	units := a.spareSectors / a.unit
	if units == 0 {
		return 0, ErrNoCapacity
	}

	startUnit := a.cursor / a.unit

	for i := uint64(0); i < units; i++ {
		unitIdx := (startUnit + i) % units
		sector := unitIdx * a.unit

		if a.available(unitIdx, sector) {
			a.used[unitIdx] = true
			a.cursor = sector + a.unit

			return sector, nil
		}
	}

	return 0, ErrNoCapacity
}

// Free releases the unit containing sector, called when a remap entry is
// removed (admin unmap command, spec.md §4.J).
func (a *Allocator) Free(sector uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.used, sector/a.unit)
}

// available reports whether the unit starting at sector is free of
// reservations and not already allocated to a live remap entry.
func (a *Allocator) available(unitIdx, sector uint64) bool {
	if a.used[unitIdx] {
		return false
	}

	for s := sector; s < sector+a.unit; s++ {
		if a.reservations.IsReserved(s) {
			return false
		}
	}

	return true
}

// Cursor returns the current scan position, for status reporting only;
// spec.md §9 explicitly does not persist this across reassembly.
func (a *Allocator) Cursor() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.cursor
}
