// Package logging builds the process logger from the logging configuration.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"bluetooth-sched/internal/config"
)

// ParseLevel converts a case-insensitive level name. Unknown names map to
// info and ok is false.
func ParseLevel(s string) (level slog.Level, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// New returns a logger writing to w in the configured format and level.
func New(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	level, ok := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	if !ok {
		logger.Warn("invalid log level configured, using info", "configured_level", cfg.Level)
	}
	return logger
}

// Setup builds the logger with New and installs it as the slog default.
func Setup(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	logger := New(w, cfg)
	slog.SetDefault(logger)
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
