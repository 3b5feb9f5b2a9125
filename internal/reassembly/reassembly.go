// Package reassembly implements the attach-time metadata reassembly of
// spec.md §4.G: read every copy location, discard invalid copies, pick
// the winner by (sequence, timestamp, index), fuzzy-match the winning
// copy's fingerprints against the currently attached devices, and on
// acceptance rebuild the in-memory RemapTable and ReservationMap.
//
// Grounded on internal/store's recovery path (WAL replay:
// read every segment, discard ones that fail their checksum, rebuild
// in-memory state from what survives) generalized to reassembly's
// "pick the highest sequence, tie-break on timestamp then index" rule
// and its fuzzy device-identity scoring, which the WAL replay has no
// analog for (a WAL always trusts its own device).
package reassembly

import (
	"errors"
	"fmt"

	"github.com/dm-remap/dm-remap/internal/blockdev"
	"github.com/dm-remap/dm-remap/internal/metadata"
	"github.com/dm-remap/dm-remap/internal/remaptable"
	"github.com/dm-remap/dm-remap/internal/reservation"
)

// Confidence thresholds and per-field weights, spec.md §4.G.
const (
	weightUUID            = 40
	weightPath            = 25
	weightSizeExact        = 25
	weightSizeWithinOnePct = 15
	weightContentHash      = 10

	// ThresholdAccept is the confidence score at or above which attach
	// proceeds silently.
	ThresholdAccept = 60

	// ThresholdWarn is the confidence score at or above which attach
	// proceeds but increments a warning counter.
	ThresholdWarn = 40
)

// ErrNoValidCopies is returned when every copy location fails to decode
// and the spare device's reserved metadata extents read back as zeroed;
// callers fall back to a fresh start (spec.md §7 IntegrityError: "all
// copies invalid and spare is zeroed -> treat as fresh device, attach
// with empty table").
var ErrNoValidCopies = errors.New("reassembly: no valid metadata copies found")

// ErrSpareCorrupted is returned when every copy location fails to decode
// but the spare device's reserved metadata extents are not zeroed — a
// torn write or a wrong device, not a fresh spare. Attach must refuse
// rather than silently start with an empty table (spec.md §7
// IntegrityError: "all copies invalid and spare is not zeroed -> refuse
// attach"; spec.md §8 scenario D).
var ErrSpareCorrupted = errors.New("reassembly: metadata copies are invalid and spare is not zeroed")

// ErrLowConfidence is returned when the winning copy's fingerprint
// confidence falls below ThresholdWarn and the administrator has not
// supplied an override (spec.md §4.G, §7 ConfigurationError).
var ErrLowConfidence = errors.New("reassembly: device identity confidence too low")

// Result is the outcome of a successful reassembly.
type Result struct {
	Table      *remaptable.Table
	Reservations *reservation.Map
	Sequence   uint64
	Confidence int
	LowConfidenceWarning bool
}

// Read decodes every location on spare and returns the surviving copies in
// the same order as locations (skipping any that failed to decode).
func Read(spare blockdev.Device, locations []uint64) []metadata.Copy {
	var copies []metadata.Copy

	for _, loc := range locations {
		buf := make([]byte, metadata.CopyBytes)
		if err := spare.ReadAt(buf, loc); err != nil {
			continue
		}

		c, err := metadata.Decode(buf)
		if err != nil {
			continue
		}

		copies = append(copies, c)
	}

	return copies
}

// pickWinner applies spec.md §4.G step 3: highest sequence, then latest
// timestamp, then lowest index (the order copies already appear in,
// since Read preserves location order).
func pickWinner(copies []metadata.Copy) (metadata.Copy, bool) {
	if len(copies) == 0 {
		return metadata.Copy{}, false
	}

	winner := copies[0]

	for _, c := range copies[1:] {
		switch {
		case c.Sequence > winner.Sequence:
			winner = c
		case c.Sequence == winner.Sequence && c.Timestamp > winner.Timestamp:
			winner = c
		}
	}

	return winner, true
}

// Confidence scores how well fp matches the currently observed device
// identity, per spec.md §4.G's weighted fields.
func Confidence(fp, observed metadata.Fingerprint) int {
	score := 0

	if fp.UUIDString() != "" && fp.UUIDString() == observed.UUIDString() {
		score += weightUUID
	}

	if fp.PathString() == observed.PathString() {
		score += weightPath
	}

	switch {
	case fp.SizeSectors == observed.SizeSectors:
		score += weightSizeExact
	case withinOnePercent(fp.SizeSectors, observed.SizeSectors):
		score += weightSizeWithinOnePct
	}

	if fp.ContentHash == observed.ContentHash {
		score += weightContentHash
	}

	return score
}

// spareIsZeroed reports whether every reserved metadata copy extent on
// spare reads back as all-zero, the signal spec.md §7 uses to tell a
// genuinely fresh spare apart from one carrying corrupted or torn
// metadata (spec.md §8 scenario D overwrites these exact extents with
// random bytes and expects attach to refuse).
func spareIsZeroed(spare blockdev.Device, locations []uint64) (bool, error) {
	for _, loc := range locations {
		zeroed, err := spare.IsZeroed(loc, metadata.CopySectors)
		if err != nil {
			return false, fmt.Errorf("reassembly: check spare zeroed at sector %d: %w", loc, err)
		}

		if !zeroed {
			return false, nil
		}
	}

	return true, nil
}

func withinOnePercent(a, b uint64) bool {
	if a == 0 || b == 0 {
		return false
	}

	diff := a - b
	if a < b {
		diff = b - a
	}

	return diff*100 <= a
}

// Reassemble runs the full spec.md §4.G procedure: read, decode, pick a
// winner, score its fingerprints against the currently attached main and
// spare devices, and on acceptance rebuild a fresh RemapTable and
// ReservationMap. spareSectors and locations come from the placement
// planner's decision for this spare device's size; allowOverride permits
// attach to proceed even below ThresholdWarn (administrator override).
func Reassemble(spare blockdev.Device, locations []uint64, spareSectors uint64, observedMain, observedSpare metadata.Fingerprint, allowOverride bool) (Result, error) {
	copies := Read(spare, locations)

	winner, ok := pickWinner(copies)
	if !ok {
		zeroed, err := spareIsZeroed(spare, locations)
		if err != nil {
			return Result{}, err
		}

		if !zeroed {
			return Result{}, ErrSpareCorrupted
		}

		return Result{}, ErrNoValidCopies
	}

	mainConfidence := Confidence(winner.MainFP, observedMain)
	spareConfidence := Confidence(winner.SpareFP, observedSpare)

	confidence := mainConfidence
	if spareConfidence < confidence {
		confidence = spareConfidence
	}

	if confidence < ThresholdWarn && !allowOverride {
		return Result{}, fmt.Errorf("%w: score %d < %d", ErrLowConfidence, confidence, ThresholdWarn)
	}

	table := remaptable.New()

	for _, e := range winner.Entries {
		if _, err := table.Insert(remaptable.Entry{Main: e.Main, Spare: e.Spare, Flags: remaptable.FlagValid}); err != nil {
			// A duplicate main_sector within one copy's own entry list is a
			// corrupt image; reassembly favors keeping the first occurrence
			// and moving on rather than refusing the whole attach.
			continue
		}
	}

	resv := reservation.New(spareSectors)
	for _, loc := range locations {
		if err := resv.Reserve(loc, metadata.CopySectors); err != nil {
			return Result{}, fmt.Errorf("reassembly: rebuild reservations: %w", err)
		}
	}

	return Result{
		Table:                table,
		Reservations:         resv,
		Sequence:             winner.Sequence,
		Confidence:           confidence,
		LowConfidenceWarning: confidence < ThresholdAccept,
	}, nil
}
