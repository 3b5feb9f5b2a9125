// Package admin implements the text administrative control surface of
// spec.md §4.J: a whitespace-tokenized line command language (status,
// remap, unmap, list, sync) served over whatever transport the caller
// wires up (cmd/dmremapctl provides both a one-shot CLI and an
// interactive console over the same Handler).
//
// Mirrors the cmd/ subcommand dispatch style (one verb per
// registered handler function, flag parsing left to spf13/pflag at the
// process-entry layer) but collapsed to a single whitespace-tokenized
// line parser, since spec.md §4.J describes one message channel with a
// tiny fixed verb set rather than a full CLI grammar.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/dm-remap/dm-remap/internal/bioengine"
	"github.com/dm-remap/dm-remap/internal/counters"
	"github.com/dm-remap/dm-remap/internal/remaptable"
)

// Error kinds returned by Handle, per spec.md §4.J / §7.
var (
	ErrInvalidRequest  = errors.New("admin: unrecognized command")
	ErrInvalidArgument = errors.New("admin: invalid argument")
)

// Handler serves spec.md §4.J's command surface against one attached
// target's engine and counters.
type Handler struct {
	engine    *bioengine.Engine
	counters  *counters.Counters
	health    func() string
	spareFree func() uint64
}

// New returns a Handler for the given engine and counters. health reports
// a short health token for the status line (e.g. "ok", "degraded");
// callers that don't track target health can pass a function returning
// a constant "ok". spareFree reports free spare sectors remaining, as
// known only to the allocator's owner (pkg/dmremap.Target).
func New(engine *bioengine.Engine, c *counters.Counters, health func() string, spareFree func() uint64) *Handler {
	return &Handler{engine: engine, counters: c, health: health, spareFree: spareFree}
}

// Handle parses and executes one command line, returning the textual
// response on success. Exit-status mapping (0 on success, non-zero on
// failure) is the caller's responsibility (cmd/dmremapctl); Handle itself
// only distinguishes success from spec.md §7 error kinds via the
// returned error's type.
func (h *Handler) Handle(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty command", ErrInvalidRequest)
	}

	switch fields[0] {
	case "status":
		if len(fields) > 1 && fields[1] == "verbose" {
			return h.statusVerbose(), nil
		}

		return h.status(), nil

	case "remap":
		return h.remap(fields[1:])

	case "unmap":
		return h.unmap(fields[1:])

	case "list":
		return h.list(fields[1:])

	case "sync":
		return h.sync()

	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRequest, fields[0])
	}
}

func (h *Handler) status() string {
	snap := h.counters.Snapshot()

	// Status line format is spec.md §6's `remaps=N errors=Wx:Ry
	// auto_remaps=M health=H spare_free=F`: W/R label write/read error
	// counts, in that order.
	return fmt.Sprintf(
		"remaps=%d errors=W%d:R%d auto_remaps=%d health=%s spare_free=%d",
		h.engine.Table().Len(),
		snap.WriteErrors,
		snap.ReadErrors,
		snap.AutoRemaps,
		h.health(),
		h.spareFree(),
	)
}

// statusVerbose is the same status line with an extra human-readable
// spare-free size appended, an addition for interactive/log consumers
// beyond the machine-parseable line `status` returns.
func (h *Handler) statusVerbose() string {
	return fmt.Sprintf("%s spare_free_human=%s", h.status(), humanize.Bytes(h.spareFree()*512))
}

func (h *Handler) remap(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: remap requires exactly one main_sector argument", ErrInvalidArgument)
	}

	sector, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: main_sector %q is not a number", ErrInvalidArgument, args[0])
	}

	spareSector, err := h.engine.AdminRemap(context.Background(), sector)
	if err != nil {
		if errors.Is(err, remaptable.ErrDuplicate) {
			return "", fmt.Errorf("%w: main_sector %d already remapped", ErrInvalidArgument, sector)
		}

		return "", err
	}

	return fmt.Sprintf("remapped main=%d spare=%d", sector, spareSector), nil
}

func (h *Handler) unmap(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: unmap requires exactly one main_sector argument", ErrInvalidArgument)
	}

	sector, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: main_sector %q is not a number", ErrInvalidArgument, args[0])
	}

	if err := h.engine.AdminUnmap(sector); err != nil {
		if errors.Is(err, bioengine.ErrNotMapped) {
			return "", fmt.Errorf("%w: main_sector %d has no live entry", ErrInvalidArgument, sector)
		}

		return "", err
	}

	return fmt.Sprintf("unmapped main=%d", sector), nil
}

func (h *Handler) list(args []string) (string, error) {
	limit := -1

	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return "", fmt.Errorf("%w: limit %q is not a non-negative integer", ErrInvalidArgument, args[0])
		}

		limit = n
	} else if len(args) > 1 {
		return "", fmt.Errorf("%w: list takes at most one limit argument", ErrInvalidArgument)
	}

	entries := h.engine.Table().IterSnapshot()

	var b strings.Builder

	for i, e := range entries {
		if limit >= 0 && i >= limit {
			break
		}

		fmt.Fprintf(&b, "main=%d spare=%d\n", e.Main, e.Spare)
	}

	return strings.TrimSuffix(b.String(), "\n"), nil
}

func (h *Handler) sync() (string, error) {
	if err := h.engine.Sync(); err != nil {
		return "", err
	}

	return "synced", nil
}
