// Package bioengine implements the hot-path bio remap engine of spec.md
// §4.I: lookup + redirect on the read path, and the completion wrapper
// that drives auto-remap on a main-device I/O error.
//
// Grounded on pkg/slotcache's reader (cache.go's lock-free
// Get: no suspending lock on the read path, a bounded hash lookup) for
// the lookup/redirect side, and internal/store's append-then-ack pattern
// for the "persist before the caller proceeds" ordering on the
// auto-remap side.
package bioengine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dm-remap/dm-remap/internal/allocator"
	"github.com/dm-remap/dm-remap/internal/blockdev"
	"github.com/dm-remap/dm-remap/internal/counters"
	"github.com/dm-remap/dm-remap/internal/persist"
	"github.com/dm-remap/dm-remap/internal/remaptable"
)

// Direction distinguishes read and write bios for the per-direction
// counters of spec.md §4.K.
type Direction int

const (
	Read Direction = iota
	Write
)

// ErrShutdown is returned for any bio submitted after the engine has
// begun shutting down (spec.md §7 SystemShutdown).
var ErrShutdown = errors.New("bioengine: target is shutting down")

// ErrNoCapacity is the allocator's exhaustion error, returned by
// AdminRemap when no spare sector is free (spec.md §7 NoCapacity). On the
// auto-remap path Complete does not return it: the bio completes with its
// original main-device error, unwrapped, and AllocatorFailures is
// incremented.
var ErrNoCapacity = allocator.ErrNoCapacity

// ErrNotMapped is returned by AdminUnmap when sector has no live entry.
var ErrNotMapped = errors.New("bioengine: sector has no live remap entry")

func nowUnix() int64 { return time.Now().Unix() }

// Bio is the minimal description of one I/O the engine needs to route:
// a starting sector, a length in sectors, and the direction (only used
// for counters). Real callers own the actual payload and device
// plumbing; the engine only ever decides which device and sector a
// segment should target.
type Bio struct {
	Sector    uint64
	Length    uint64
	Direction Direction
}

// Route is the engine's routing decision for one segment: which device
// to submit to, and at what sector.
type Route struct {
	Device blockdev.Device
	Sector uint64
}

// Engine owns the live RemapTable and coordinates auto-remap on
// main-device error. It holds no lock across device I/O (spec.md §5):
// Lookup takes only the table's read lock, and auto-remap's
// allocate-insert-persist sequence runs entirely on a caller-supplied
// worker goroutine, never inline with bio submission.
type Engine struct {
	main  blockdev.Device
	spare blockdev.Device

	table         *remaptable.Table
	allocator     *allocator.Allocator
	persistEngine *persist.Engine
	counters      *counters.Counters

	unit uint64

	shuttingDown atomic.Bool
}

// New returns an Engine routing bios between main and spare, backed by
// table for lookups, allocator and persistEngine for the auto-remap path.
func New(main, spare blockdev.Device, table *remaptable.Table, alloc *allocator.Allocator, p *persist.Engine, c *counters.Counters, unitSectors uint64) *Engine {
	if unitSectors == 0 {
		unitSectors = 1
	}

	return &Engine{main: main, spare: spare, table: table, allocator: alloc, persistEngine: p, counters: c, unit: unitSectors}
}

// Route resolves where a single-sector segment of a bio should go: the
// spare device if a live remap entry covers it, main otherwise. Performs
// no I/O; the table lookup takes the table's sync.RWMutex read lock, so
// it waits while an Insert or Remove holds the write lock.
func (e *Engine) Route(sector uint64, dir Direction) (Route, error) {
	if e.shuttingDown.Load() {
		return Route{}, ErrShutdown
	}

	e.counters.TotalBios.Add(1)

	if dir == Read {
		e.counters.ReadBios.Add(1)
	} else {
		e.counters.WriteBios.Add(1)
	}

	if entry, ok := e.table.Lookup(sector); ok {
		return Route{Device: e.spare, Sector: entry.Spare}, nil
	}

	return Route{Device: e.main, Sector: sector}, nil
}

// Split breaks a multi-sector bio into one single-sector segment per
// sector (spec.md §4.I step 2), each with its own Route decision, in
// sector order.
func (e *Engine) Split(b Bio) ([]Route, error) {
	routes := make([]Route, 0, b.Length)

	for s := b.Sector; s < b.Sector+b.Length; s++ {
		r, err := e.Route(s, b.Direction)
		if err != nil {
			return nil, err
		}

		routes = append(routes, r)
	}

	return routes, nil
}

// Complete runs the bio completion wrapper of spec.md §4.I. dir and
// mainErr describe the outcome observed by the caller's downstream
// submission; sector is the original main-device sector this segment
// targeted (not the spare sector it may have been redirected to).
//
// On success it returns nil, nil without touching counters (bio counts
// are taken in Route). On failure it counts a read or write error; on a
// main-device
// failure with auto-remap enabled it runs the allocate/insert/persist
// sequence and returns a Route the caller should resubmit the bio
// against; the caller is expected to have deferred this call onto a
// worker task, never onto the completion's original (possibly
// interrupt) context, per spec.md §4.I's scheduling model.
func (e *Engine) Complete(ctx context.Context, sector uint64, dir Direction, mainErr error, autoRemapEnabled bool) (*Route, error) {
	if mainErr == nil {
		// Success counters are folded into TotalBios/ReadBios/WriteBios at
		// Route time; nothing further to do on the happy path.
		return nil, nil
	}

	if dir == Read {
		e.counters.ReadErrors.Add(1)
	} else {
		e.counters.WriteErrors.Add(1)
	}

	if e.shuttingDown.Load() {
		// spec.md §4.I: outstanding completions observe the flag and
		// complete with their original status without mutating state.
		return nil, mainErr
	}

	if !autoRemapEnabled {
		return nil, mainErr
	}

	return e.autoRemap(ctx, sector, mainErr)
}

func (e *Engine) autoRemap(ctx context.Context, sector uint64, originalErr error) (*Route, error) {
	spareSector, err := e.allocator.Allocate()
	if err != nil {
		e.counters.AllocatorFailures.Add(1)
		return nil, originalErr
	}

	entry := remaptable.Entry{Main: sector, Spare: spareSector, Flags: remaptable.FlagValid}

	inserted, err := e.table.Insert(entry)
	if err != nil {
		if errors.Is(err, remaptable.ErrDuplicate) {
			// Another goroutine already remapped this sector; honor its
			// entry instead of the one we provisionally allocated. The
			// allocator unit we just took is released back for reuse.
			e.allocator.Free(spareSector)

			return &Route{Device: e.spare, Sector: inserted.Spare}, nil
		}

		return nil, fmt.Errorf("bioengine: insert remap entry: %w", err)
	}

	// PersistError is non-fatal to the bio (spec.md §7): the entry is live
	// in memory and will be re-broadcast on the next successful write;
	// the bio still retries against its newly assigned sector regardless
	// of whether this persist call succeeded. persist.Engine already
	// counts the failure internally.
	_ = e.persistEngine.Persist(e.table.IterSnapshot(), time.Now().Unix())

	e.counters.AutoRemaps.Add(1)

	return &Route{Device: e.spare, Sector: spareSector}, nil
}

// BeginShutdown sets the shutting-down flag observed by Route and
// Complete (spec.md §5: "observed on the next lookup"). In-flight bios
// already past this check run to completion.
func (e *Engine) BeginShutdown() {
	e.shuttingDown.Store(true)
}

// AdminRemap administratively forces a remap of sector (spec.md §4.J
// `remap` command), following the same allocate-insert-persist sequence
// as an auto-remap but without a preceding I/O error. Returns the
// assigned spare sector, or remaptable.ErrDuplicate if sector already has
// a live entry.
func (e *Engine) AdminRemap(ctx context.Context, sector uint64) (uint64, error) {
	spareSector, err := e.allocator.Allocate()
	if err != nil {
		e.counters.AllocatorFailures.Add(1)
		return 0, err
	}

	entry := remaptable.Entry{Main: sector, Spare: spareSector, Flags: remaptable.FlagValid}

	if _, err := e.table.Insert(entry); err != nil {
		e.allocator.Free(spareSector)
		return 0, err
	}

	_ = e.persistEngine.Persist(e.table.IterSnapshot(), nowUnix())

	// Administrative remaps are a distinct counter from AutoRemaps: the
	// status line's auto_remaps token (spec.md §6) reports only remaps
	// triggered by the bio-completion error path (autoRemap), never ones
	// an administrator requested directly.
	e.counters.AdminRemaps.Add(1)

	return spareSector, nil
}

// AdminUnmap removes the live entry for sector, if any (spec.md §4.J
// `unmap` command), releasing its spare sector back to the allocator and
// persisting the updated table before returning.
func (e *Engine) AdminUnmap(sector uint64) error {
	entry, ok := e.table.Remove(sector)
	if !ok {
		return ErrNotMapped
	}

	e.allocator.Free(entry.Spare)

	_ = e.persistEngine.Persist(e.table.IterSnapshot(), nowUnix())

	return nil
}

// Sync forces an immediate metadata flush regardless of staleness (spec.md
// §4.J `sync` command).
func (e *Engine) Sync() error {
	return e.persistEngine.Persist(e.table.IterSnapshot(), nowUnix())
}

// Table exposes the live remap table for read-only administrative
// commands (`list`, `status`).
func (e *Engine) Table() *remaptable.Table { return e.table }
