package persist

import (
	"errors"
	"testing"

	"github.com/dm-remap/dm-remap/internal/blockdev/blockdevtest"
	"github.com/dm-remap/dm-remap/internal/counters"
	"github.com/dm-remap/dm-remap/internal/metadata"
	"github.com/dm-remap/dm-remap/internal/remaptable"
)

func testFingerprints() (metadata.Fingerprint, metadata.Fingerprint) {
	main := metadata.NewFingerprint("/dev/main", 200000, 0xAAAA, "main-uuid")
	spare := metadata.NewFingerprint("/dev/spare", 20000, 0xBBBB, "spare-uuid")

	return main, spare
}

func TestPersistWritesAllCopies(t *testing.T) {
	dev := blockdevtest.New("/dev/spare", 20000)
	mainFP, spareFP := testFingerprints()

	locs := []uint64{0, 1024, 2048}
	c := &counters.Counters{}
	e := New(dev, locs, mainFP, spareFP, c)

	entries := []remaptable.Entry{{Main: 1000, Spare: 0, Flags: remaptable.FlagValid}}

	if err := e.Persist(entries, 1700000000); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if got := c.MetadataCopiesWritten.Load(); got != uint64(len(locs)) {
		t.Fatalf("MetadataCopiesWritten = %d, want %d", got, len(locs))
	}

	for _, loc := range locs {
		buf := make([]byte, metadata.CopyBytes)
		if err := dev.ReadAt(buf, loc); err != nil {
			t.Fatalf("ReadAt(%d): %v", loc, err)
		}

		copyImage, err := metadata.Decode(buf)
		if err != nil {
			t.Fatalf("Decode copy at %d: %v", loc, err)
		}

		if copyImage.Sequence != 1 {
			t.Fatalf("copy at %d sequence = %d, want 1", loc, copyImage.Sequence)
		}

		if len(copyImage.Entries) != 1 || copyImage.Entries[0].Main != 1000 {
			t.Fatalf("copy at %d entries = %+v", loc, copyImage.Entries)
		}
	}
}

func TestPersistSucceedsWithPartialCopyFailure(t *testing.T) {
	dev := blockdevtest.New("/dev/spare", 20000)
	mainFP, spareFP := testFingerprints()

	locs := []uint64{0, 1024, 2048}
	c := &counters.Counters{}
	e := New(dev, locs, mainFP, spareFP, c)

	dev.FailNextWrites(1, errors.New("simulated media error"))

	if err := e.Persist(nil, 1700000000); err != nil {
		t.Fatalf("Persist with partial failure should succeed: %v", err)
	}

	if got := c.MetadataCopiesWritten.Load(); got != 2 {
		t.Fatalf("MetadataCopiesWritten = %d, want 2", got)
	}

	if got := c.PersistFailures.Load(); got != 0 {
		t.Fatalf("PersistFailures = %d, want 0 on partial success", got)
	}
}

func TestPersistFailsWhenAllCopiesFail(t *testing.T) {
	dev := blockdevtest.New("/dev/spare", 20000)
	mainFP, spareFP := testFingerprints()

	locs := []uint64{0, 1024}
	c := &counters.Counters{}
	e := New(dev, locs, mainFP, spareFP, c)

	dev.FailNextWrites(2, errors.New("simulated media error"))

	var persistErr *ErrPersistFailed

	err := e.Persist(nil, 1700000000)
	if !errors.As(err, &persistErr) {
		t.Fatalf("Persist error = %v, want *ErrPersistFailed", err)
	}

	if got := c.PersistFailures.Load(); got != 1 {
		t.Fatalf("PersistFailures = %d, want 1", got)
	}
}

func TestFlushIfStaleNoOpWhenUpToDate(t *testing.T) {
	dev := blockdevtest.New("/dev/spare", 20000)
	mainFP, spareFP := testFingerprints()

	c := &counters.Counters{}
	e := New(dev, []uint64{0}, mainFP, spareFP, c)

	if err := e.Persist(nil, 100); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	before := c.MetadataCopiesWritten.Load()

	if err := e.FlushIfStale(nil, 200); err != nil {
		t.Fatalf("FlushIfStale: %v", err)
	}

	if after := c.MetadataCopiesWritten.Load(); after != before {
		t.Fatalf("FlushIfStale wrote when already up to date: before=%d after=%d", before, after)
	}
}

func TestFlushIfStaleRewritesAfterPriorFailure(t *testing.T) {
	dev := blockdevtest.New("/dev/spare", 20000)
	mainFP, spareFP := testFingerprints()

	c := &counters.Counters{}
	e := New(dev, []uint64{0}, mainFP, spareFP, c)

	dev.FailNextWrites(1, errors.New("simulated media error"))

	var persistErr *ErrPersistFailed
	if err := e.Persist(nil, 100); !errors.As(err, &persistErr) {
		t.Fatalf("expected Persist to fail, got %v", err)
	}

	if err := e.FlushIfStale(nil, 100); err != nil {
		t.Fatalf("FlushIfStale: %v", err)
	}

	if got := e.LastPersistedSequence(); got != 1 {
		t.Fatalf("LastPersistedSequence = %d, want 1", got)
	}
}
