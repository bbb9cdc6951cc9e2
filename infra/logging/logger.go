// Package logging builds the process slog.Logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"limitbook/config"
)

// New returns a JSON logger writing to stdout and, when cfg.Log.File is
// set, to a rotated file. The returned closer flushes the file.
func New(cfg *config.Config) (*slog.Logger, io.Closer) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with the console writer replaced.
func NewWithWriter(cfg *config.Config, console io.Writer) (*slog.Logger, io.Closer) {
	writer := console
	var closer io.Closer = nopCloser{}

	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err == nil {
			file := &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAgeDays,
				Compress:   cfg.Log.Compress,
			}
			writer = io.MultiWriter(console, file)
			closer = file
		}
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}
	return slog.New(slog.NewJSONHandler(writer, opts)), closer
}

// ParseLevel maps a config level name to slog; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
