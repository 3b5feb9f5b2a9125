// Package placement chooses metadata copy locations on the spare device,
// sized to spare capacity, per spec.md §4.E.
package placement

import (
	"errors"
	"fmt"

	"github.com/dm-remap/dm-remap/internal/metadata"
)

// Strategy names, exposed for logging/status only.
const (
	StrategyImpossible = "impossible"
	StrategyMinimal    = "minimal"
	StrategyLinear     = "linear"
	StrategyGeometric  = "geometric"
)

// ErrSpareTooSmall is returned when the spare device cannot hold even the
// minimal metadata footprint (spec.md §4.E: < 72 sectors is "impossible").
var ErrSpareTooSmall = errors.New("placement: spare device too small to attach")

// Plan is the chosen set of copy locations for a spare of a given size.
type Plan struct {
	Strategy  string
	Locations []uint64 // sector offsets, each reserving metadata.CopySectors sectors
}

// minSpareSectors is the smallest spare size attach will accept (spec.md §4.E table).
const minSpareSectors = 72

// geometricLocations are the fixed sectors used once a spare is large
// enough for the "geometric" strategy (spec.md §4.E table): powers of two
// chosen to reduce the odds that one localized media defect destroys more
// than one copy.
var geometricLocations = []uint64{0, 1024, 2048, 4096, 8192}

// Plan computes the copy locations for a spare device of spareSectors size.
func Plan(spareSectors uint64) (Plan, error) {
	switch {
	case spareSectors < minSpareSectors:
		return Plan{}, fmt.Errorf("%w: %d sectors < minimum %d", ErrSpareTooSmall, spareSectors, minSpareSectors)

	case spareSectors < 1024:
		return planMinimal(spareSectors), nil

	case spareSectors < 8192:
		return planLinear(spareSectors), nil

	default:
		return Plan{Strategy: StrategyGeometric, Locations: append([]uint64(nil), geometricLocations...)}, nil
	}
}

// planMinimal packs copies from sector 0, every metadata.CopySectors
// sectors, capped at 2 copies; the floor of (S-64)/8 reserves working
// capacity for actual remap use (spec.md §4.E).
func planMinimal(spareSectors uint64) Plan {
	n := (spareSectors - 64) / metadata.CopySectors
	if n > 2 {
		n = 2
	}

	if n < 1 {
		n = 1
	}

	locs := make([]uint64, n)
	for i := range locs {
		locs[i] = uint64(i) * metadata.CopySectors
	}

	return Plan{Strategy: StrategyMinimal, Locations: locs}
}

// planLinear spaces 2-4 copies evenly across the spare device (spec.md §4.E).
// More copies for larger S, scaled linearly between the 1024 and 8192
// sector boundaries of the table.
func planLinear(spareSectors uint64) Plan {
	n := uint64(2)
	if spareSectors >= 2048 {
		n = 3
	}

	if spareSectors >= 4096 {
		n = 4
	}

	locs := make([]uint64, n)
	step := spareSectors / n

	for i := range locs {
		loc := uint64(i) * step
		// Keep each location sector-aligned to the copy footprint.
		loc -= loc % metadata.CopySectors
		locs[i] = loc
	}

	return Plan{Strategy: StrategyLinear, Locations: locs}
}
