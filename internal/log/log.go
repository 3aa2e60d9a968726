// Package log centralizes the per-subsystem loggers used across splinter.
// Each package that needs to log declares its own package-level Logger
// variable and registers it here, so every subsystem writes through one
// shared backend and levels can be adjusted by tag, mirroring the
// subsystem-logger convention used throughout lnd (peerLog, srvrLog, etc.
// each bound to one backend).
package log

import (
	"os"

	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
)

// backend is the shared logging backend every subsystem logger writes
// through. It writes to stdout, so packages (and their tests) produce
// readable output; this package has no function to replace it.
var backend = btclog.NewBackend(os.Stdout)

// Disabled re-exports btclog's no-op logger. NewSubsystem never returns it;
// every registered subsystem gets a logger bound to backend.
var Disabled = btclog.Disabled

// subsystems keeps every registered logger addressable by name so the
// daemon can adjust levels in bulk (e.g. from a future config flag).
var subsystems = make(map[string]btclog.Logger)

// NewSubsystem creates (or returns the existing) logger for the given
// subsystem tag, e.g. "PEER", "AUTH", "SCAB". Tags are short, upper-case,
// and fixed width in the style of lnd's subsystem tags.
func NewSubsystem(tag string) btclog.Logger {
	if existing, ok := subsystems[tag]; ok {
		return existing
	}

	logger := backend.Logger(tag)
	subsystems[tag] = logger
	return logger
}

// SetLevel adjusts the level of a previously registered subsystem logger.
// Unknown tags are silently ignored; the daemon is expected to only pass
// tags it already created via NewSubsystem.
func SetLevel(tag string, level btclog.Level) {
	if logger, ok := subsystems[tag]; ok {
		logger.SetLevel(level)
	}
}

// SetLevelAll adjusts every registered subsystem logger to the same level,
// used by the daemon's top-level --debuglevel style flag (the flag parsing
// itself is out of scope here).
func SetLevelAll(level btclog.Level) {
	for _, logger := range subsystems {
		logger.SetLevel(level)
	}
}

// TraceDump renders v with spew.Sdump and emits it at trace level under
// tag, for the rare case where a one-line Tracef isn't enough to see what
// went wrong (a full envelope or decoded message struct). It costs nothing
// when the subsystem isn't at trace level: the dump is never built unless
// logger.Level() says it would be printed.
func TraceDump(tag, label string, v interface{}) {
	logger, ok := subsystems[tag]
	if !ok || logger.Level() > btclog.LevelTrace {
		return
	}
	logger.Tracef("%s:\n%s", label, spew.Sdump(v))
}
