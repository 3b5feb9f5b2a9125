// Command dmremapctl is the administrative CLI for a dm-remap target: a
// one-shot invocation (`dmremapctl <main> <spare> status`) or an
// interactive console (`dmremapctl <main> <spare>` with no trailing
// command), both serving spec.md §4.J's command surface via
// internal/admin.Handler.
//
// Mirrors cmd/tk's flag parsing (spf13/pflag FlagSets,
// ContinueOnError, one FlagSet per invocation) and cmd/sloty's REPL
// (peterh/liner, history file, Ctrl-C aborts the current line rather
// than the process).
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/dm-remap/dm-remap/internal/dmlog"
	"github.com/dm-remap/dm-remap/pkg/dmremap"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("dmremapctl", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	unit := flagSet.Uint64("unit", 0, "allocation unit in sectors (default: 8)")
	allowOverride := flagSet.Bool("allow-low-confidence", false, "attach even if device identity confidence is below the warning threshold")
	logLevel := flagSet.String("log-level", dmlog.LevelInfo, "log level: debug, info, warning, error")
	name := flagSet.String("register", "", "remember this attachment under a name in the local registry")
	registryPath := flagSet.String("registry", defaultRegistryPath(), "path to the target registry file")
	use := flagSet.String("use", "", "resolve main/spare paths from a previously registered name instead of positional arguments")

	if err := flagSet.Parse(args); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 2
	}

	dmlog.Configure(*logLevel)

	reg, err := loadRegistry(*registryPath)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	rest := flagSet.Args()

	if len(rest) > 0 && rest[0] == "targets" {
		for _, e := range reg.Targets {
			fmt.Fprintf(out, "%s main=%s spare=%s\n", e.Name, e.MainPath, e.SparePath)
		}

		return 0
	}

	var mainPath, sparePath string

	var command []string

	if *use != "" {
		entry, ok := reg.resolve(*use)
		if !ok {
			fmt.Fprintf(errOut, "error: no registered target named %q\n", *use)
			return 2
		}

		mainPath, sparePath = entry.MainPath, entry.SparePath
		command = rest
	} else {
		if len(rest) < 2 {
			fmt.Fprintln(errOut, "usage: dmremapctl <main-device> <spare-device> [command...]")
			return 2
		}

		mainPath, sparePath = rest[0], rest[1]
		command = rest[2:]
	}

	if *name != "" {
		reg.upsert(*name, mainPath, sparePath)

		if err := reg.save(*registryPath); err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
	}

	target, err := dmremap.Attach(dmremap.Options{
		MainPath:                   mainPath,
		SparePath:                  sparePath,
		AllocationUnit:             *unit,
		AllowLowConfidenceOverride: *allowOverride,
	})
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	defer target.Detach() //nolint:errcheck // best-effort on CLI exit; Detach's own error already surfaces via status.

	if len(command) > 0 {
		return runOneShot(target, strings.Join(command, " "), out, errOut)
	}

	return runInteractive(target, out, errOut)
}

func runOneShot(target *dmremap.Target, line string, out, errOut io.Writer) int {
	resp, err := target.Admin().Handle(line)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	fmt.Fprintln(out, resp)

	return 0
}

func runInteractive(target *dmremap.Target, out, errOut io.Writer) int {
	l := liner.NewLiner()
	defer l.Close()

	l.SetCtrlCAborts(true)

	historyPath := historyFilePath()

	if f, err := os.Open(historyPath); err == nil {
		l.ReadHistory(f) //nolint:errcheck // history is a convenience, not correctness-bearing.
		f.Close()
	}

	for {
		line, err := l.Prompt("dmremapctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				break
			}

			fmt.Fprintln(errOut, "error:", err)
			break
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if trimmed == "exit" || trimmed == "quit" {
			break
		}

		l.AppendHistory(line)

		resp, err := target.Admin().Handle(trimmed)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			continue
		}

		fmt.Fprintln(out, resp)
	}

	if f, err := os.Create(historyPath); err == nil {
		l.WriteHistory(f) //nolint:errcheck // best-effort.
		f.Close()
	}

	return 0
}

func historyFilePath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".dmremapctl_history"
	}

	return filepath.Join(dir, ".dmremapctl_history")
}
