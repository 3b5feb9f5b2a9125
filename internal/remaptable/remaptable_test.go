package remaptable

import (
	"errors"
	"testing"
)

func TestInsertLookupRemove(t *testing.T) {
	tbl := New()

	if _, err := tbl.Insert(Entry{Main: 1000, Spare: 16, Flags: FlagValid}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	entry, ok := tbl.Lookup(1000)
	if !ok {
		t.Fatal("expected entry to be found")
	}

	if entry.Spare != 16 {
		t.Fatalf("Spare = %d, want 16", entry.Spare)
	}

	removed, ok := tbl.Remove(1000)
	if !ok || removed.Spare != 16 {
		t.Fatalf("Remove returned %+v, %v", removed, ok)
	}

	if _, ok := tbl.Lookup(1000); ok {
		t.Fatal("expected entry to be gone after remove")
	}
}

func TestInsertDuplicateReturnsExisting(t *testing.T) {
	tbl := New()

	first, err := tbl.Insert(Entry{Main: 5, Spare: 8})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	_, err = tbl.Insert(Entry{Main: 5, Spare: 999})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// The table must still report the original entry, not the loser's.
	got, ok := tbl.Lookup(5)
	if !ok || got != first {
		t.Fatalf("Lookup = %+v, want %+v", got, first)
	}
}

func TestLoadFactorBoundsUnderGrowthAndShrink(t *testing.T) {
	tbl := New()

	const n = 10_000

	for i := uint64(0); i < n; i++ {
		if _, err := tbl.Insert(Entry{Main: i, Spare: i}); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}

		assertLoadFactorBounds(t, tbl)
	}

	if tbl.Len() != n {
		t.Fatalf("Len() = %d, want %d", tbl.Len(), n)
	}

	for i := uint64(0); i < n; i++ {
		if _, ok := tbl.Remove(i); !ok {
			t.Fatalf("Remove(%d): not found", i)
		}

		assertLoadFactorBounds(t, tbl)
	}

	if got := tbl.BucketCount(); got != initialBuckets {
		t.Fatalf("BucketCount() after full drain = %d, want %d", got, initialBuckets)
	}
}

func assertLoadFactorBounds(t *testing.T, tbl *Table) {
	t.Helper()

	b := tbl.BucketCount()
	if b < initialBuckets {
		t.Fatalf("bucket count %d below floor %d", b, initialBuckets)
	}

	load := float64(tbl.Len()) / float64(b)
	if load > growLoadFactor+1e-9 {
		t.Fatalf("load factor %.3f exceeds grow threshold after resize settles", load)
	}
}

func TestIterSnapshotIsConsistentCopy(t *testing.T) {
	tbl := New()

	for i := uint64(0); i < 5; i++ {
		_, _ = tbl.Insert(Entry{Main: i, Spare: i * 8})
	}

	snap := tbl.IterSnapshot()
	if len(snap) != 5 {
		t.Fatalf("snapshot len = %d, want 5", len(snap))
	}

	// Mutating the table after the snapshot must not affect it.
	_, _ = tbl.Remove(0)

	if len(snap) != 5 {
		t.Fatalf("snapshot mutated after table change")
	}
}
