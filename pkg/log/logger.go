package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

const (
	ErrAttrKey = "error"
)

// Output formats accepted by SetupLogger.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatSlog    = "slog"
)

var (
	globalMu     sync.RWMutex
	globalLogger Logger = NewZerologLogger(os.Stderr, LevelInfo, FormatConsole)
)

// SetupLogger installs the global logger.
//
// format is one of "console" (zerolog human readable), "json" (zerolog JSON
// lines) or "slog" (log/slog JSON with ErrFmtHandler). Warnings raised through
// errors.Warn are routed to the same backend.
func SetupLogger(loglevel, format string) error {
	return SetupLoggerTo(os.Stderr, loglevel, format)
}

// SetupLoggerTo is SetupLogger with an explicit destination.
func SetupLoggerTo(w io.Writer, loglevel, format string) error {
	level, err := ParseLevel(loglevel)
	if err != nil {
		return err
	}

	var logger Logger
	switch strings.ToLower(format) {
	case "", FormatConsole, FormatJSON:
		zl := newZerolog(w, level, format)
		logger = &zerologLogger{logger: zl}
		errors.SetZerologWarnFunc(func(warning error) {
			ev := zl.Warn()
			var m zerolog.LogObjectMarshaler
			if errors.As(warning, &m) {
				ev = ev.EmbedObject(m)
			}
			ev.Msg(warning.Error())
		})
	case FormatSlog:
		logger = NewSlogLogger(w, level)
		errors.SetZerologWarnFunc(nil)
		errors.SetWarningHandler(func(warning error) {
			logger.Warn(warning.Error(), ErrorTypeKey, fmt.Sprintf("%T", warning))
		})
	default:
		return errors.NewConfigError("log_format", format, FormatConsole, FormatJSON, FormatSlog)
	}

	SetLogger(logger)
	return nil
}

// ParseLevel converts a level name into a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, errors.NewConfigError("log_level", level, "debug", "info", "warn", "error")
	}
}

// SetLogger replaces the global logger.
func SetLogger(logger Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// GetLogger returns the global logger.
func GetLogger() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// GetLoggerWithName returns the global logger tagged with a component name.
func GetLoggerWithName(name string) Logger {
	return GetLogger().With(ComponentKey, name)
}

// ErrAttr is a wrapper to pass err to slog.
func ErrAttr(err error) slog.Attr {
	return slog.Any(ErrAttrKey, err)
}

// splitErr separates a leading error value from key-value fields.
func splitErr(fields []any) ([]any, error) {
	if len(fields) > 0 {
		if err, ok := fields[0].(error); ok {
			return fields[1:], err
		}
	}
	return fields, nil
}
