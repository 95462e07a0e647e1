// Package logging provides a minimal logging interface and adapters for spacebot.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// plus With for attaching attributes. Supervisor, router, tool server and every
// process run loop log through it. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.New(&logging.LoggerConfig{Level: logging.LogLevelInfo, Format: "json"})
//	agent := spacebot.New("main", func(o *spacebot.Options) { o.Logger = logger })
//
// The design intentionally keeps the interface minimal to avoid vendor lock-in
// while supporting structured logging where available.
package logging
