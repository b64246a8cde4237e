// Package telemetry wires structured logging and OpenTelemetry into a
// mycelium process.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the global slog logger. JSON output if
// MYCELIUM_JSON_LOG is 1/true/json, text otherwise. Level is controlled by
// MYCELIUM_LOG_LEVEL (debug/info/warn/error, default info).
func InitLogging(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("MYCELIUM_JSON_LOG"))
	asJSON := mode == "1" || mode == "true" || mode == "json"

	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if asJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", asJSON)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("MYCELIUM_LOG_LEVEL")) {
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
