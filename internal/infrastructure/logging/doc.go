// Package logging provides structured logging for the weather station host.
//
// It wraps Go's log/slog so that every component logs the same way:
//
//   - JSON output for production, text for development
//   - Default fields (service, version) on all entries
//   - Level-based filtering (debug, info, warn, error)
//   - Per-component child loggers via Component
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
//	uplinkLog := logger.Component("uplink")
//	uplinkLog.Warn("telemetry dropped", "error", err)
//
// Never log device keys or issued tokens.
package logging
