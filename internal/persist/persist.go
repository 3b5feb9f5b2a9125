// Package persist implements the write-ahead persistence engine of
// spec.md §4.F: it owns every write of the on-spare metadata format,
// serializing the current RemapTable into a Copy (internal/metadata),
// and writing it to every copy location the placement planner reserved.
//
// Grounded on pkg/slotcache's writer (cache_binary.go's
// "serialize, checksum, write" sequence) and internal/store's WAL
// (append-then-fsync-deferred durability discipline), generalized from a
// single-file image to N redundant copy locations per spec.md §4.F item 2.
package persist

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dm-remap/dm-remap/internal/blockdev"
	"github.com/dm-remap/dm-remap/internal/counters"
	"github.com/dm-remap/dm-remap/internal/dmlog"
	"github.com/dm-remap/dm-remap/internal/metadata"
	"github.com/dm-remap/dm-remap/internal/remaptable"
)

// Engine writes full metadata images to every configured copy location.
// It holds no table lock of its own; callers pass a point-in-time
// snapshot (remaptable.Table.IterSnapshot) already taken under the
// table's own lock, matching the "allocator mutex -> table writer lock ->
// device submission" ordering of spec.md §5.
type Engine struct {
	spare     blockdev.Device
	locations []uint64 // sector offsets, from the placement planner
	mainFP    metadata.Fingerprint
	spareFP   metadata.Fingerprint
	counters  *counters.Counters

	mu               sync.Mutex // serializes writes; see Persist
	sequence         atomic.Uint64
	lastPersistedSeq atomic.Uint64
}

// New returns an Engine that writes to the given copy locations on spare,
// stamping every image with mainFP/spareFP (the devices' identity at
// attach time, spec.md §4.G).
func New(spare blockdev.Device, locations []uint64, mainFP, spareFP metadata.Fingerprint, c *counters.Counters) *Engine {
	return &Engine{
		spare:     spare,
		locations: locations,
		mainFP:    mainFP,
		spareFP:   spareFP,
		counters:  c,
	}
}

// SeedSequence primes the sequence counter after reassembly has decided
// the winning copy's sequence number (spec.md §4.G), so the next Persist
// call produces a strictly higher sequence than anything already on disk.
func (e *Engine) SeedSequence(seq uint64) {
	e.sequence.Store(seq)
	e.lastPersistedSeq.Store(seq)
}

// ErrPersistFailed is returned when every copy location failed to write.
// Per spec.md §7 PersistError, this is never fatal to the originating
// bio; the Engine has already incremented the PersistFailures counter
// before returning it, and the caller continues.
type ErrPersistFailed struct {
	Attempted int
	LastErr   error
}

func (e *ErrPersistFailed) Error() string {
	return fmt.Sprintf("persist: all %d copy writes failed, last error: %v", e.Attempted, e.LastErr)
}

func (e *ErrPersistFailed) Unwrap() error { return e.LastErr }

// Persist serializes entries as a new image with a freshly bumped
// sequence number and writes it to every copy location in order. At
// least one successful write is required for Persist to report success;
// partial success across the N copies is expected and acceptable per
// spec.md §4.F.
//
// Callers on the bio auto-remap path call this synchronously from a
// worker task, never from the bio completion callback itself (spec.md
// §4.I); the originating bio is only retried after this returns.
func (e *Engine) Persist(entries []remaptable.Entry, timestamp int64) error {
	seq := e.sequence.Add(1)
	return e.writeImage(seq, entries, timestamp)
}

// writeImage writes entries at the given sequence number to every copy
// location, without touching the in-memory sequence counter. Shared by
// Persist (which bumps the sequence first) and FlushIfStale (which
// rewrites the already-current sequence after a prior write failure).
func (e *Engine) writeImage(seq uint64, entries []remaptable.Entry, timestamp int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wireEntries := make([]metadata.RemapEntry, len(entries))
	for i, ent := range entries {
		wireEntries[i] = metadata.RemapEntry{Main: ent.Main, Spare: ent.Spare}
	}

	copyImage := metadata.Copy{
		Sequence:  seq,
		Timestamp: timestamp,
		MainFP:    e.mainFP,
		SpareFP:   e.spareFP,
		Entries:   wireEntries,
	}

	buf, err := metadata.Encode(copyImage)
	if err != nil {
		// A too-large entry set is a programming error (the caller should
		// have split metadata across an allocation scheme that fits one
		// copy); it is not a transient device failure.
		return dmlog.Wrap(fmt.Errorf("persist: encode: %w", err))
	}

	succeeded := 0

	var lastErr error

	for _, loc := range e.locations {
		if werr := e.spare.WriteAt(buf, loc); werr != nil {
			lastErr = werr
			continue
		}

		succeeded++

		e.counters.MetadataCopiesWritten.Add(1)
	}

	if succeeded == 0 {
		e.counters.PersistFailures.Add(1)
		return &ErrPersistFailed{Attempted: len(e.locations), LastErr: lastErr}
	}

	e.lastPersistedSeq.Store(seq)

	return nil
}

// FlushIfStale issues a final persist if the in-memory sequence number
// exceeds what was last durably written, per spec.md §4.F item 3 (the
// detach-time flush).
func (e *Engine) FlushIfStale(entries []remaptable.Entry, timestamp int64) error {
	seq := e.sequence.Load()
	if seq <= e.lastPersistedSeq.Load() {
		return nil
	}

	return e.writeImage(seq, entries, timestamp)
}

// LastPersistedSequence reports the sequence number of the last
// successfully written image, for status reporting and tests.
func (e *Engine) LastPersistedSequence() uint64 {
	return e.lastPersistedSeq.Load()
}
