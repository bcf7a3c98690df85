// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()

	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Page cache operations (hit/miss, key, TTL)
//   - Per-attempt request flow and retry delays
//   - Pagination progress (pages fetched per subrequest)
//
// Info: Normal operation events
//   - Batch calls completed
//   - Cooldown state published or cleared (healthy)
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Subrequest retries and dropped off-origin urls
//   - Offline degradation to a partial result
//   - Cache or cooldown store errors (fallback to direct dispatch)
//
// Error: Error conditions requiring attention
//   - Calls that exhausted their retry ceiling
//   - Credential refresh failures
//   - Configuration errors
//
// Context Fields:
//   - endpoint: remote endpoint path
//   - id: subrequest id
//   - status: HTTP status code
//   - attempt: whole-call attempt number
//   - pending: subrequests awaiting re-dispatch
//   - delay: computed retry delay
//   - stage: pipeline stage of a partial failure
//
// Credential material is never logged. Token values stay out of every event
// and every error chain.
