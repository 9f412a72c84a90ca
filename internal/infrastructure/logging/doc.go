// Package logging provides structured logging for aquacore.
//
// It wraps log/slog so that both binaries emit the same shape of entry:
// JSON by default, text for development, with service and version fields
// on every line. Components derive child loggers with Component("tracker")
// and pass them down as narrow Logger interfaces.
//
// Configuration lives in the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log JWT secrets or broker passwords.
package logging
