package log

import (
	"context"
	"io"
	"log/slog"
)

// slogLogger adapts *slog.Logger to Logger.
type slogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger returns a log/slog JSON Logger writing to w.
// Records carrying an error get a stacktrace attribute via ErrFmtHandler.
func NewSlogLogger(w io.Writer, level Level) Logger {
	ops := slog.HandlerOptions{
		AddSource: true,
		Level:     slog.Level(level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				attr.Key = "severity"
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	}
	handler := WrapByErrFmtHandler(slog.NewJSONHandler(w, &ops))
	return &slogLogger{logger: slog.New(handler)}
}

func (s *slogLogger) Debug(msg string, fields ...any) {
	s.logger.Debug(msg, withErrAttr(fields)...)
}

func (s *slogLogger) Info(msg string, fields ...any) {
	s.logger.Info(msg, withErrAttr(fields)...)
}

func (s *slogLogger) Warn(msg string, fields ...any) {
	s.logger.Warn(msg, withErrAttr(fields)...)
}

func (s *slogLogger) Error(msg string, fields ...any) {
	s.logger.Error(msg, withErrAttr(fields)...)
}

func (s *slogLogger) With(fields ...any) Logger {
	return &slogLogger{logger: s.logger.With(fields...)}
}

func (s *slogLogger) Enabled(ctx context.Context, level Level) bool {
	return s.logger.Enabled(ctx, slog.Level(level))
}

func withErrAttr(fields []any) []any {
	rest, err := splitErr(fields)
	if err == nil {
		return fields
	}
	return append([]any{ErrAttr(err)}, rest...)
}
