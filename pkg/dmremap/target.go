// Package dmremap is the public entry point: Attach opens a Target on a
// main/spare device pair, runs reassembly, and wires together every
// internal component (reservation, remap table, placement, persistence,
// allocator, bio engine, admin handler, counters) into one running
// instance, the way spec.md §6 describes the core's external surface
// ("instantiated with exactly two parameters... optional third argument:
// an integer allocation unit").
package dmremap

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/dm-remap/dm-remap/internal/admin"
	"github.com/dm-remap/dm-remap/internal/allocator"
	"github.com/dm-remap/dm-remap/internal/bioengine"
	"github.com/dm-remap/dm-remap/internal/blockdev"
	"github.com/dm-remap/dm-remap/internal/counters"
	"github.com/dm-remap/dm-remap/internal/dmlog"
	"github.com/dm-remap/dm-remap/internal/metadata"
	"github.com/dm-remap/dm-remap/internal/persist"
	"github.com/dm-remap/dm-remap/internal/placement"
	"github.com/dm-remap/dm-remap/internal/reassembly"
	"github.com/dm-remap/dm-remap/internal/remaptable"
	"github.com/dm-remap/dm-remap/internal/reservation"
)

// defaultAllocationUnit is the default allocation unit in sectors,
// matching one metadata copy's footprint (spec.md §4.H).
const defaultAllocationUnit = metadata.CopySectors

// Options configures Attach. MainPath and SparePath are the only
// mandatory fields; everything else has a spec-defined default.
type Options struct {
	// MainPath and SparePath are the two device paths the core consumes
	// (spec.md §6). No other arguments are consumed by the core itself;
	// AllocationUnit is the one optional argument spec.md §6 allows, and
	// AllowLowConfidenceOverride is the administrator override spec.md
	// §4.G/§7 calls for.
	MainPath  string
	SparePath string

	// AllocationUnit overrides the default 8-sector allocation unit.
	AllocationUnit uint64

	// AllowLowConfidenceOverride permits attach to proceed even when
	// reassembly's fingerprint confidence falls below
	// reassembly.ThresholdWarn (spec.md §4.G, §7 FingerprintMismatch).
	AllowLowConfidenceOverride bool
}

// Target is the per-attachment runtime state of spec.md §3: device
// handles, the ReservationMap, the live RemapTable, the current sequence
// number, the active placement, and counters, all exclusively owned by
// this Target except the device handles (shared with whatever holds them
// open for the process lifetime).
type Target struct {
	main  blockdev.Device
	spare blockdev.Device

	plan      placement.Plan
	resv      *reservation.Map
	persist   *persist.Engine
	engine    *bioengine.Engine
	admin     *admin.Handler
	counters  *counters.Counters
	allocator *allocator.Allocator
	unit      uint64

	reassemblyWarning bool
}

// Attach opens both devices, runs reassembly, and brings up a fully wired
// Target, per spec.md §4.G/§4.F's attach sequence: reassembly decides the
// winning state (or declares "fresh start") before the initial metadata
// image is written and before any bio is admitted.
func Attach(opts Options) (*Target, error) {
	if opts.MainPath == "" || opts.SparePath == "" {
		return nil, fmt.Errorf("dmremap: configuration error: main and spare paths are required")
	}

	unit := opts.AllocationUnit
	if unit == 0 {
		unit = defaultAllocationUnit
	}

	mainSectors, err := blockdev.StatSectors(opts.MainPath)
	if err != nil {
		return nil, dmlog.Wrap(fmt.Errorf("dmremap: device error: stat main: %w", err))
	}

	spareSectors, err := blockdev.StatSectors(opts.SparePath)
	if err != nil {
		return nil, dmlog.Wrap(fmt.Errorf("dmremap: device error: stat spare: %w", err))
	}

	main, err := blockdev.Open(opts.MainPath, mainSectors)
	if err != nil {
		return nil, dmlog.Wrap(fmt.Errorf("dmremap: device error: open main: %w", err))
	}

	spare, err := blockdev.Open(opts.SparePath, spareSectors)
	if err != nil {
		_ = main.Close()
		return nil, dmlog.Wrap(fmt.Errorf("dmremap: device error: open spare: %w", err))
	}

	plan, err := placement.Plan(spareSectors)
	if err != nil {
		_ = main.Close()
		_ = spare.Close()

		return nil, fmt.Errorf("dmremap: configuration error: %w", err)
	}

	mainFP, err := fingerprintOf(main, opts.MainPath)
	if err != nil {
		_ = main.Close()
		_ = spare.Close()

		return nil, dmlog.Wrap(fmt.Errorf("dmremap: device error: fingerprint main: %w", err))
	}

	spareFP, err := fingerprintOf(spare, opts.SparePath)
	if err != nil {
		_ = main.Close()
		_ = spare.Close()

		return nil, dmlog.Wrap(fmt.Errorf("dmremap: device error: fingerprint spare: %w", err))
	}

	c := &counters.Counters{}

	result, rerr := reassembly.Reassemble(spare, plan.Locations, spareSectors, mainFP, spareFP, opts.AllowLowConfidenceOverride)

	var (
		table     *remaptable.Table
		resv      *reservation.Map
		seq       uint64
		lowConfid bool
	)

	switch {
	case rerr == nil:
		table = result.Table
		resv = result.Reservations
		seq = result.Sequence
		lowConfid = result.LowConfidenceWarning

	case isNoValidCopies(rerr):
		// Fresh start: no valid metadata anywhere, treat as a brand new
		// spare (spec.md §7 IntegrityError).
		table = remaptable.New()

		resv = reservation.New(spareSectors)
		for _, loc := range plan.Locations {
			if rerr := resv.Reserve(loc, metadata.CopySectors); rerr != nil {
				_ = main.Close()
				_ = spare.Close()

				return nil, fmt.Errorf("dmremap: configuration error: %w", rerr)
			}
		}

	case errors.Is(rerr, reassembly.ErrSpareCorrupted):
		// Every copy failed to decode and the spare is not zeroed: this is
		// a torn write or the wrong device, not a fresh spare. Refuse
		// rather than silently attaching with an empty table (spec.md §7
		// IntegrityError, §8 scenario D).
		_ = main.Close()
		_ = spare.Close()

		return nil, fmt.Errorf("dmremap: integrity error: %w", rerr)

	default:
		_ = main.Close()
		_ = spare.Close()

		return nil, fmt.Errorf("dmremap: fingerprint mismatch: %w", rerr)
	}

	persistEngine := persist.New(spare, plan.Locations, mainFP, spareFP, c)
	persistEngine.SeedSequence(seq)

	alloc := allocator.New(resv, table, spareSectors, unit)

	engine := bioengine.New(main, spare, table, alloc, persistEngine, c, unit)

	t := &Target{
		main:              main,
		spare:             spare,
		plan:              plan,
		resv:              resv,
		persist:           persistEngine,
		engine:            engine,
		counters:          c,
		allocator:         alloc,
		unit:              unit,
		reassemblyWarning: lowConfid,
	}

	t.admin = admin.New(engine, c, t.health, t.spareFreeSectors)

	// spec.md §4.F item 1: write an initial full image now that
	// reassembly has decided the starting state, so even a never-remapped
	// attach leaves something for the next reassembly to find.
	_ = persistEngine.Persist(table.IterSnapshot(), time.Now().Unix())

	return t, nil
}

// Admin returns the administrative command handler for this target
// (spec.md §4.J).
func (t *Target) Admin() *admin.Handler { return t.admin }

// Counters returns the read-only observability counters (spec.md §4.K).
func (t *Target) Counters() counters.Snapshot { return t.counters.Snapshot() }

// Detach shuts the target down: new bios are refused immediately, and if
// the in-memory sequence number exceeds what was last durably written a
// final flush is issued before device handles are released (spec.md §3,
// §4.F item 3).
func (t *Target) Detach() error {
	t.engine.BeginShutdown()

	flushErr := t.persist.FlushIfStale(t.engine.Table().IterSnapshot(), time.Now().Unix())

	mainErr := t.main.Close()
	spareErr := t.spare.Close()

	switch {
	case flushErr != nil:
		return fmt.Errorf("dmremap: detach flush: %w", flushErr)
	case mainErr != nil:
		return fmt.Errorf("dmremap: detach: %w", mainErr)
	case spareErr != nil:
		return fmt.Errorf("dmremap: detach: %w", spareErr)
	default:
		return nil
	}
}

func (t *Target) health() string {
	if t.reassemblyWarning {
		return "degraded"
	}

	return "ok"
}

func (t *Target) spareFreeSectors() uint64 {
	spareSectors := t.spare.SizeSectors()

	var reserved uint64

	t.resv.IterReservations(func(e reservation.Extent) bool {
		reserved += e.Length
		return true
	})

	used := uint64(t.engine.Table().Len()) * t.unit
	claimed := reserved + used

	if claimed > spareSectors {
		return 0
	}

	return spareSectors - claimed
}

func isNoValidCopies(err error) bool {
	return errors.Is(err, reassembly.ErrNoValidCopies)
}

// fingerprintOf derives a DeviceFingerprint for an already-open device:
// path, size, and a content hash over its first sector (a cheap proxy
// for "serial-derived hash" per spec.md §3 — the core has no access to a
// real hardware serial number through the blockdev.Device interface).
// The hash follows whatever sector 0 holds; on the spare device every
// placement plan puts a metadata copy there, so the spare's hash changes
// with each persisted image. UUID is left empty; callers that know a real filesystem or
// partition UUID can construct a Fingerprint directly instead of going
// through fingerprintOf.
func fingerprintOf(dev blockdev.Device, path string) (metadata.Fingerprint, error) {
	buf := make([]byte, blockdev.SectorSize)
	if err := dev.ReadAt(buf, 0); err != nil && err != io.EOF {
		return metadata.Fingerprint{}, err
	}

	hash := crc32.ChecksumIEEE(buf)

	return metadata.NewFingerprint(path, dev.SizeSectors(), hash, ""), nil
}
