package observability

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured JSON logger for pipeline components.
func NewLogger(component string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler).With("component", component)
}

// ParseLogLevel parses a log level string into slog.Level.
// Accepts: debug, info, warn, error (case-insensitive).
// Returns LevelInfo if the input is invalid or empty.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogLevel returns the effective log level from config and environment.
// The config value takes precedence over LOG_LEVEL.
func GetLogLevel(configLevel string) slog.Level {
	if configLevel != "" {
		return ParseLogLevel(configLevel)
	}
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		return ParseLogLevel(envLevel)
	}
	return slog.LevelInfo
}
