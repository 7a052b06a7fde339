// Package logging provides structured logging for carrelay.
//
// It wraps log/slog so every component logs the same way:
//
//   - JSON output for production, text for development
//   - service and version fields on every record
//   - one level shared by a logger and everything derived from it,
//     changeable at runtime with SetLevel
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr or a file path
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("registry").Info("room created", "device_id", 7)
//
// Never log socket payload meta verbatim at info level; operators put
// free-form data there.
package logging
