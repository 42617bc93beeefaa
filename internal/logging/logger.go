// Package logging provides structured logging for the orchestrator.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger is the interface every orchestrator component logs through.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithContext(ctx context.Context) Logger
}

// slogLogger wraps slog.Logger to implement Logger.
type slogLogger struct {
	logger *slog.Logger
}

// Format is the log output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config controls how NewLogger builds its handler.
type Config struct {
	Level  slog.Level
	Format Format
	Output *os.File
}

// DefaultConfig returns text-format, info-level logging to stdout.
func DefaultConfig() *Config {
	return &Config{Level: slog.LevelInfo, Format: FormatText, Output: os.Stdout}
}

// NewLogger builds a Logger over log/slog per config, defaulting to
// DefaultConfig when config is nil.
func NewLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	opts := &slog.HandlerOptions{
		Level: config.Level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	return &slogLogger{logger: slog.New(handler).With("service", "orchestrator")}
}

func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(args...)}
}

func (l *slogLogger) WithContext(ctx context.Context) Logger {
	if v := ctx.Value(requestIDKey{}); v != nil {
		return l.With("request_id", v)
	}
	return l
}

type requestIDKey struct{}

// WithRequestID returns a context carrying a request id for WithContext to pick up.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// NoOpLogger discards everything; useful in tests that don't want log noise.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...any)            {}
func (NoOpLogger) Info(string, ...any)             {}
func (NoOpLogger) Warn(string, ...any)             {}
func (NoOpLogger) Error(string, ...any)            {}
func (NoOpLogger) With(...any) Logger              { return NoOpLogger{} }
func (NoOpLogger) WithContext(context.Context) Logger { return NoOpLogger{} }
