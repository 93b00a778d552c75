// Package pkg provides shared utilities for the softkey simulator.
//
// This package contains common functionality used by the bus, the protocol
// classes, the service core and the runner, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors built with [github.com/cockroachdb/errors]
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentBus, "device configured", "config", 1)
//
// # Errors
//
// Common errors are defined as sentinel values and are wrapped with context
// as they propagate:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Handle endpoint stall
//	}
package pkg
