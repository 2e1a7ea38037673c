// Package observability provides structured logging, request ID
// propagation, and tracing.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggerConfig contains configuration for the logger.
type LoggerConfig struct {
	Level     string // debug, info, warn, error
	Format    string // json, text
	Output    io.Writer
	AddSource bool
}

// NewLogger creates a structured logger from the given configuration.
func NewLogger(cfg LoggerConfig) *slog.Logger {
	logger, _ := NewDynamicLogger(cfg)
	return logger
}

// NewDynamicLogger creates a structured logger whose level can be
// changed at runtime through the returned LevelVar, for config
// hot-reload.
func NewDynamicLogger(cfg LoggerConfig) (*slog.Logger, *slog.LevelVar) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), level
}

// ParseLevel maps a config level string to a slog level. Unknown
// values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
