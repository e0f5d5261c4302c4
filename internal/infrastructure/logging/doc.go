// Package logging provides structured logging for Odemis processes.
//
// This package wraps Go's standard log/slog package so that the backend
// daemon, the CLI and every runtime package log the same way.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version, pid) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	registry.SetLogger(logger.With("component", "registry"))
//
// The runtime packages (va, dataflow, future, component, remote) each accept a
// narrow Logger interface that *Logger satisfies.
package logging
