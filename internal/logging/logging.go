// Package logging defines the structured logger contract shared by
// donationcore components and builds log/slog implementations of it.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"donationcore/internal/config"
)

// Logger is the structured logging capability components depend on.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

var _ Logger = (*slog.Logger)(nil)

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Noop returns a logger that discards everything.
func Noop() Logger { return noopLogger{} }

// OrNoop returns l, or a discarding logger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}

// ParseLevel maps a config level name onto a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// New builds a slog logger writing to stderr.
func New(cfg config.LogConfig) (*slog.Logger, error) {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter builds a slog logger writing JSON or text records to w.
func NewWithWriter(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(handler).With("service", "donationcore"), nil
}
