package logger

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured JSON logger that tags every record with
// the service name. The level comes from LOG_LEVEL (default: INFO).
func NewLogger(serviceName string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("LOG_LEVEL")),
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)

	return slog.New(handler).With(slog.String("service", serviceName))
}

func parseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
