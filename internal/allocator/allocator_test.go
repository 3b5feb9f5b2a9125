package allocator

import (
	"errors"
	"testing"

	"github.com/dm-remap/dm-remap/internal/remaptable"
	"github.com/dm-remap/dm-remap/internal/reservation"
)

func newTestAllocator(t *testing.T, spareSectors, unit uint64, reserveFirst uint64) (*Allocator, *remaptable.Table) {
	t.Helper()

	resv := reservation.New(spareSectors)
	if reserveFirst > 0 {
		if err := resv.Reserve(0, reserveFirst); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
	}

	table := remaptable.New()

	return New(resv, table, spareSectors, unit), table
}

func TestAllocateSkipsReservedExtent(t *testing.T) {
	a, _ := newTestAllocator(t, 800, 8, 64)

	sector, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if sector < 64 {
		t.Fatalf("Allocate returned reserved sector %d", sector)
	}
}

func TestAllocateNeverDoubleAllocates(t *testing.T) {
	a, _ := newTestAllocator(t, 800, 8, 64)

	seen := map[uint64]bool{}

	for i := 0; i < 90; i++ {
		sector, err := a.Allocate()
		if err != nil {
			if errors.Is(err, ErrNoCapacity) {
				break
			}

			t.Fatalf("Allocate: %v", err)
		}

		if seen[sector] {
			t.Fatalf("sector %d allocated twice", sector)
		}

		seen[sector] = true
	}
}

func TestAllocateExhaustionReturnsNoCapacity(t *testing.T) {
	a, _ := newTestAllocator(t, 72, 8, 64)

	if _, err := a.Allocate(); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}

	if _, err := a.Allocate(); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("second Allocate error = %v, want ErrNoCapacity", err)
	}
}

func TestAllocateSeedsFromExistingTable(t *testing.T) {
	resv := reservation.New(800)
	if err := resv.Reserve(0, 64); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	table := remaptable.New()
	if _, err := table.Insert(remaptable.Entry{Main: 1000, Spare: 64, Flags: remaptable.FlagValid}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	a := New(resv, table, 800, 8)

	sector, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if sector == 64 {
		t.Fatalf("Allocate reused spare sector 64 already live in table")
	}
}

func TestFreeAllowsReallocation(t *testing.T) {
	a, _ := newTestAllocator(t, 80, 8, 64)

	sector, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	a.Free(sector)

	again, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Free: %v", err)
	}

	if again != sector {
		t.Fatalf("Allocate after Free = %d, want reused %d", again, sector)
	}
}
