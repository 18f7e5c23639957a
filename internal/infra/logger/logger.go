package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"statemux/internal/infra/config"
)

// New creates the daemon logger. instance, when set, is attached to every
// record so several multiplexers can share one log sink.
// The returned closer function should be deferred to flush/close file handles.
func New(cfg config.LoggerConfig, instance string) (*slog.Logger, func() error, error) {
	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	log := slog.New(newHandler(writer, cfg))
	if instance != "" {
		log = log.With("instance", instance)
	}
	return log, closer, nil
}

// Component returns a child logger tagged with a subsystem name.
func Component(log *slog.Logger, name string) *slog.Logger {
	return log.With("component", name)
}

func newHandler(w io.Writer, cfg config.LoggerConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// openOutput returns an io.Writer for the specified output target.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
