package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON logger every process shares. slog keeps the
// standard library feel while still emitting structured records we can
// ship to any backend; AddSource makes dispatch traces greppable by
// call site.
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler).With("service", "ride-dispatch")
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
