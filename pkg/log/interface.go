// Package log provides a structured logging interface for calibration runs.
//
// The interface is slog-compatible so that the backend can be switched between
// zerolog (the default, console or JSON) and log/slog JSON output without
// touching call sites. Calibrators, the experiment runner and the CLI all log
// through Logger with the attribute keys defined in attributes.go.
//
// Example usage:
//
//	logger := log.GetLoggerWithName("experiment").With(
//	    log.DatasetKey, "imagenet",
//	    log.ScoreFnKey, "softmax",
//	)
//	logger.Info("calibration finished",
//	    log.MethodKey, "cluster_random",
//	    log.SeedKey, 3,
//	    log.QhatKey, 0.91,
//	)
package log

import (
	"context"
)

// Logger defines a structured logging interface compatible with Go's log/slog.
//
// Fields are alternating key-value pairs. If the first field passed to Error is
// an error value, backends attach it as the error attribute with its stack.
type Logger interface {
	// Debug logs a debug-level message with optional structured fields.
	Debug(msg string, fields ...any)

	// Info logs an info-level message with optional structured fields.
	//
	// Example:
	//   logger.Info("split drawn",
	//       log.SamplesKey, 1000,
	//       log.ClassesKey, 100,
	//   )
	Info(msg string, fields ...any)

	// Warn logs a warning-level message with optional structured fields.
	Warn(msg string, fields ...any)

	// Error logs an error-level message with optional structured fields.
	//
	// Example:
	//   logger.Error("calibration failed",
	//       err,
	//       log.MethodKey, "classwise",
	//   )
	Error(msg string, fields ...any)

	// With returns a new Logger with the given fields pre-populated.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits log records at the given level.
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, compatible with slog.Level.
type Level int

// Standard logging levels, values are compatible with slog.Level.
const (
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LoggerProvider creates loggers for components.
type LoggerProvider interface {
	// GetLogger returns the default logger instance.
	GetLogger() Logger

	// GetLoggerWithName returns a logger tagged with a component name.
	GetLoggerWithName(name string) Logger

	// SetLevel sets the minimum log level for all loggers created by this provider.
	SetLevel(level Level)
}
