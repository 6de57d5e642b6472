// Package logging configures the global slog logger with file rotation and
// the in-memory ring sink served over the API.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bookdash/bookdash/internal/config"
	"github.com/bookdash/bookdash/internal/logring"
)

// Setup initializes the global slog logger. Every sink receives the same
// rendered lines: the rotated log file (when configured), stderr, and the
// ring buffer. Returns a cleanup function to call on shutdown.
func Setup(cfg config.LogConfig, ring *logring.Buffer) (func() error, error) {
	writers := []io.Writer{os.Stderr}
	cleanup := func() error { return nil }

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}

		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			LocalTime:  true,
		}
		writers = append(writers, lj)
		cleanup = lj.Close
	}

	if ring != nil {
		writers = append(writers, ring)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	slog.SetDefault(slog.New(handler))

	return cleanup, nil
}

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
