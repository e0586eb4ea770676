package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"authguard/internal/config"
)

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func NewLogger(level string) *slog.Logger {
	return newJSONLogger(os.Stdout, level)
}

// New builds the process logger. When cfg.Log.File is set, records go to
// stdout and to a size-rotated file.
func New(cfg *config.Config) (*slog.Logger, io.Closer) {
	if cfg == nil {
		return NewLogger("info"), nopCloser{}
	}
	if cfg.Log.File == "" {
		return NewLogger(cfg.LogLevel), nopCloser{}
	}
	rot := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
	return newJSONLogger(io.MultiWriter(os.Stdout, rot), cfg.LogLevel), rot
}

func newJSONLogger(w io.Writer, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
