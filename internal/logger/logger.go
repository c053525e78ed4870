// Package logger builds the supervisor's own slog logger: colored text on
// the console plus an optional rotating file. The managed server's console
// output does NOT go through here; the supervisor mirrors that separately.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes the supervisor log destinations. Rotation parameters
// follow lumberjack semantics.
type Config struct {
	Level      string `mapstructure:"level"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	NoColor    bool   `mapstructure:"no_color"`
}

// New builds the logger. The returned closer owns the rotating file, if
// any, and is a no-op otherwise.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	if cfg.NoColor {
		console = slog.NewTextHandler(os.Stderr, opts)
	} else {
		console = NewColorTextHandler(os.Stderr, opts)
	}

	if cfg.Path == "" {
		return slog.New(console), nopCloser{}, nil
	}
	file := &lj.Logger{
		Filename:   cfg.Path,
		MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   cfg.Compress,
	}
	handlers := []slog.Handler{console, slog.NewTextHandler(file, opts)}
	return slog.New(fanoutHandler(handlers)), file, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
