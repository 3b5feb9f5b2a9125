package dmremap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dm-remap/dm-remap/internal/metadata"
	"github.com/dm-remap/dm-remap/internal/placement"
	"github.com/dm-remap/dm-remap/internal/reassembly"
)

func makeDeviceFile(t *testing.T, sizeSectors uint64) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "device.img")

	if err := os.WriteFile(path, make([]byte, sizeSectors*512), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return path
}

func TestAttachRejectsMissingPaths(t *testing.T) {
	if _, err := Attach(Options{}); err == nil {
		t.Fatal("Attach with empty Options should fail")
	}
}

func TestAttachFreshDevicesThenDetach(t *testing.T) {
	mainPath := makeDeviceFile(t, 5000)
	sparePath := makeDeviceFile(t, 2000)

	target, err := Attach(Options{MainPath: mainPath, SparePath: sparePath})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	snap := target.Counters()
	if snap.TotalBios != 0 {
		t.Fatalf("fresh attach TotalBios = %d, want 0", snap.TotalBios)
	}

	resp, err := target.Admin().Handle("status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	if resp == "" {
		t.Fatalf("status returned empty response")
	}

	if err := target.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
}

func TestAttachRemapPersistsAcrossReattach(t *testing.T) {
	mainPath := makeDeviceFile(t, 5000)
	sparePath := makeDeviceFile(t, 2000)

	target, err := Attach(Options{MainPath: mainPath, SparePath: sparePath})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if _, err := target.Admin().Handle("remap 1000"); err != nil {
		t.Fatalf("remap: %v", err)
	}

	if err := target.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	reattached, err := Attach(Options{MainPath: mainPath, SparePath: sparePath})
	if err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
	defer reattached.Detach()

	resp, err := reattached.Admin().Handle("list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if resp == "" {
		t.Fatalf("expected a live entry after reattach, got empty list")
	}
}

func TestAttachToleratesContentHashChangeOnReattach(t *testing.T) {
	mainPath := makeDeviceFile(t, 5000)
	sparePath := makeDeviceFile(t, 2000)

	target, err := Attach(Options{MainPath: mainPath, SparePath: sparePath})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if _, err := target.Admin().Handle("remap 1000"); err != nil {
		t.Fatalf("remap: %v", err)
	}

	if err := target.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	// Change main's leading sector so its content hash differs on
	// reattach; path and size still match. A content-hash-only mismatch
	// costs just 10 confidence points (spec.md §4.G weights), well above
	// ThresholdWarn, so reattach must still succeed without an override.
	f, err := os.OpenFile(mainPath, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	junk := make([]byte, 512)
	for i := range junk {
		junk[i] = 0xAB
	}

	if _, err := f.WriteAt(junk, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reattached, err := Attach(Options{MainPath: mainPath, SparePath: sparePath})
	if err != nil {
		t.Fatalf("re-Attach after content change: %v", err)
	}

	if err := reattached.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
}

func TestAttachRefusesWhenSpareHasCorruptedNonZeroMetadata(t *testing.T) {
	mainPath := makeDeviceFile(t, 5000)
	sparePath := makeDeviceFile(t, 2000)

	target, err := Attach(Options{MainPath: mainPath, SparePath: sparePath})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := target.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	// spec.md §8 scenario D: overwrite every reserved metadata extent with
	// random (non-zero) bytes, directly on the spare file, bypassing the
	// core entirely. All copies now fail to decode, and the spare no
	// longer reads as zeroed, so a re-attach must refuse rather than
	// silently start fresh.
	plan, err := placement.Plan(2000)
	if err != nil {
		t.Fatalf("placement.Plan: %v", err)
	}

	f, err := os.OpenFile(sparePath, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	junk := make([]byte, metadata.CopySectors*512)
	for i := range junk {
		junk[i] = 0xAB
	}

	for _, loc := range plan.Locations {
		if _, err := f.WriteAt(junk, int64(loc)*512); err != nil {
			t.Fatalf("WriteAt(%d): %v", loc, err)
		}
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = Attach(Options{MainPath: mainPath, SparePath: sparePath})
	if !errors.Is(err, reassembly.ErrSpareCorrupted) {
		t.Fatalf("re-Attach after corruption error = %v, want ErrSpareCorrupted", err)
	}
}
