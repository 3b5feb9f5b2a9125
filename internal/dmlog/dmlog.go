// Package dmlog provides the process-wide logging/error-wrapping
// configuration for every dm-remap component. Per spec.md §9's design
// note ("a module-wide debug level... become[s]... a process-wide logging
// configuration initialized once at library load"), configuration happens
// exactly once; individual packages call the package-level helpers here
// rather than touching global state themselves.
//
// The underlying library is github.com/dsoprea/go-logging, the logger
// used by the dsoprea-go-exfat and hellin-go-ext4 repos in the retrieval
// pack — both on-disk filesystem-format parsers doing the same kind of
// bit-exact, corruption-aware work this package's callers do. We follow
// their idiom directly: log.Errorf builds an error carrying a stack trace,
// log.Wrap attaches one to an error from a lower layer, and log.PanicIf is
// reserved for invariant violations in non-hot-path code (the placement
// planner, the codec) — never on the bio completion path, which always
// returns errors explicitly instead.
package dmlog

import (
	"sync"

	"github.com/dsoprea/go-logging"
)

var configureOnce sync.Once

// Level names accepted by Configure.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Configure sets the process-wide log level. Safe to call multiple times;
// only the first call takes effect. Called once from cmd/dmremapctl's
// startup; never from the hot path.
func Configure(level string) {
	configureOnce.Do(func() {
		cla := log.NewConfigurationLoaderAdapterMemory(map[string]interface{}{
			"level": level,
		})
		log.LoadConfiguration(cla)
	})
}

// Errorf builds a stack-carrying error the way every layer below the bio
// hot path reports unexpected conditions (corrupt metadata, configuration
// errors). Hot-path code (internal/bioengine) uses fmt.Errorf directly
// instead, to avoid the stack-capture cost on every bio.
func Errorf(message string, args ...interface{}) error {
	return log.Errorf(message, args...)
}

// Wrap attaches a stack trace to an error surfacing from a lower layer
// (e.g. a block device I/O error) the first time it crosses a package
// boundary, the same way the exfat reader wraps I/O errors in the
// retrieval pack.
func Wrap(err error) error {
	if err == nil {
		return nil
	}

	return log.Wrap(err)
}

// PanicIf panics if err is non-nil. Reserved for invariant violations that
// indicate a programming error, never for recoverable I/O or data errors.
// Not used anywhere on the bio completion path.
func PanicIf(err error) {
	log.PanicIf(err)
}
