package theatre

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// logLevel backs the handler installed by InitLogger so the level can be
// changed while running.
var logLevel slog.LevelVar

// InitLogger configures the global slog logger to output structured JSON
// to stderr. Call this once at program startup before creating any nodes.
// The level controls the minimum log level (e.g. slog.LevelInfo, slog.LevelDebug).
func InitLogger(level slog.Level) {
	logLevel.Set(level)
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: &logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel changes the level of the logger installed by InitLogger.
func SetLogLevel(level slog.Level) {
	if logLevel.Level() != level {
		slog.Info("log level changed", "from", logLevel.Level().String(), "to", level.String())
	}
	logLevel.Set(level)
}

func LogLevel() slog.Level { return logLevel.Level() }

// ParseLevel accepts debug, info, warn and error (any case).
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
