// Package logging provides structured logging for thermostatd.
//
// It wraps log/slog so every package logs the same way: JSON in
// production, text while developing, with service and version attached to
// every entry.
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
//	logger.Component("serial").Info("link opened", "port", "/dev/ttyACM0")
//
// Packages that log accept a small Logger interface instead of this type,
// so *Logger can be passed directly and tests can pass nothing.
package logging
