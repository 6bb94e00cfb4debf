package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON logger used by both binaries. Every record
// carries the service name so API and consumer logs can share a sink.
func NewLogger(service, level string) *slog.Logger {
	return New(os.Stdout, service, level)
}

func New(w io.Writer, service, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	handler := slog.NewJSONHandler(w, opts)
	return slog.New(handler).With("service", service)
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
