// Package logging provides a minimal logging interface and adapters for the
// cognitive workflow runtime.
//
// The Logger interface defines the standard leveled methods (Debug, Info, Warn,
// Error) that the registry, router, node executor and engine use. This package
// includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping an existing *slog.Logger
//   - StructuredLogger with component/run scoping and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	eng := engine.New(reg, exec, func(o *engine.Options) { o.Logger = logger })
package logging
