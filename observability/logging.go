// Package observability wires structured logging, Prometheus metrics and
// JSONL trace spans for the pipeline. Everything here is optional at the
// call sites: a nil tracer no-ops and metrics are process-global.
package observability

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogging configures the process-wide logger and returns it. Format is
// "json" for machine-readable output or anything else for text.
func SetupLogging(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
