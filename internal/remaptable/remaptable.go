// Package remaptable implements the concurrent main_sector -> spare_sector
// mapping described in spec.md §4.C: the hot-path lookup structure the bio
// engine consults for every segment, plus the writer-side insert/remove
// used by the auto-remap path and administrative commands.
//
// Structure: a chained hash table keyed by main sector, grounded on
// slotcache's bucket-probing design (pkg/slotcache/format.go,
// cache.go) but generalized to grow and shrink on demand — slotcache is a
// fixed-capacity "throwaway cache"; a remap table must serve anywhere from
// a handful to tens of thousands of entries at uniform latency, so it
// carries its own resize policy instead.
package remaptable

import (
	"errors"
	"sync"
)

// ErrDuplicate is returned by Insert when an entry for main_sector already
// exists. Per spec.md §4.C this is not a failure for the auto-remap path:
// the loser of a race simply observes the winner's entry.
var ErrDuplicate = errors.New("remaptable: duplicate main_sector")

// Flags on a RemapEntry (spec.md §3).
type Flags uint8

const (
	FlagValid Flags = 1 << iota
	FlagPendingWriteAhead
	FlagFailedVerify
)

// Entry is a single (main_sector, spare_sector, flags) mapping.
// Entry is returned by value; it carries no lifetime tie to the table.
type Entry struct {
	Main  uint64
	Spare uint64
	Flags Flags
}

const (
	initialBuckets  = 64
	growLoadFactor  = 1.5
	shrinkLoadFactor = 0.5
)

type node struct {
	entry Entry
	next  *node
}

// Table is the concurrent remap table.
//
// Many concurrent readers, one exclusive writer at a time (spec.md §5):
// Lookup takes the read lock, Insert/Remove take the write lock. The read
// lock is never held across device I/O by callers — Table itself performs
// no I/O.
type Table struct {
	mu      sync.RWMutex
	buckets []*node
	count   int
}

// New returns an empty table with the initial bucket count of 64.
func New() *Table {
	return &Table{buckets: make([]*node, initialBuckets)}
}

func bucketIndex(main uint64, nbuckets int) int {
	// fibonacci-ish mixing so sequential sectors don't all land in the
	// same low bits of a power-of-two bucket count.
	h := main * 0x9E3779B97F4A7C15
	return int(h % uint64(nbuckets))
}

// Lookup returns the entry for main, if any. Expected O(1), safe to call
// concurrently with writers per spec.md §4.C.
func (t *Table) Lookup(main uint64) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := bucketIndex(main, len(t.buckets))

	for n := t.buckets[idx]; n != nil; n = n.next {
		if n.entry.Main == main {
			return n.entry, true
		}
	}

	return Entry{}, false
}

// Insert adds a new entry. Returns ErrDuplicate if one already exists for
// entry.Main; the existing entry is returned unchanged in that case.
func (t *Table) Insert(entry Entry) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := bucketIndex(entry.Main, len(t.buckets))

	for n := t.buckets[idx]; n != nil; n = n.next {
		if n.entry.Main == entry.Main {
			return n.entry, ErrDuplicate
		}
	}

	t.buckets[idx] = &node{entry: entry, next: t.buckets[idx]}
	t.count++

	t.maybeResizeLocked()

	return entry, nil
}

// Remove deletes the entry for main, returning it if present.
func (t *Table) Remove(main uint64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := bucketIndex(main, len(t.buckets))

	var prev *node

	for n := t.buckets[idx]; n != nil; n = n.next {
		if n.entry.Main == main {
			if prev == nil {
				t.buckets[idx] = n.next
			} else {
				prev.next = n.next
			}

			t.count--

			t.maybeResizeLocked()

			return n.entry, true
		}

		prev = n
	}

	return Entry{}, false
}

// Len returns the current number of live entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.count
}

// BucketCount returns the current bucket array size, exposed for the
// load-factor invariant tests (spec.md §8 property 8).
func (t *Table) BucketCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.buckets)
}

// IterSnapshot returns a consistent point-in-time copy of all live entries
// for persistence (spec.md §4.C). Writers may proceed concurrently against
// the live table after this call returns.
func (t *Table) IterSnapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, t.count)

	for _, head := range t.buckets {
		for n := head; n != nil; n = n.next {
			out = append(out, n.entry)
		}
	}

	return out
}

// maybeResizeLocked grows or shrinks the bucket array per spec.md §4.C's
// load-factor policy. Must be called with mu held for writing.
func (t *Table) maybeResizeLocked() {
	nb := len(t.buckets)

	switch {
	case float64(t.count) > growLoadFactor*float64(nb):
		t.rehashLocked(nb * 2)
	case float64(t.count) < shrinkLoadFactor*float64(nb) && nb > initialBuckets:
		newSize := nb / 2
		if newSize < initialBuckets {
			newSize = initialBuckets
		}

		t.rehashLocked(newSize)
	}
}

func (t *Table) rehashLocked(newSize int) {
	newBuckets := make([]*node, newSize)

	for _, head := range t.buckets {
		for n := head; n != nil; {
			next := n.next
			idx := bucketIndex(n.entry.Main, newSize)
			n.next = newBuckets[idx]
			newBuckets[idx] = n
			n = next
		}
	}

	t.buckets = newBuckets
}
