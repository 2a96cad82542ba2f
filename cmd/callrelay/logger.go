package main

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/callrelay/internal/config"
)

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger writes text logs to stderr and, when file is set, to a rotated
// log file as well. level is shared so config reloads can change it.
func newLogger(level *slog.LevelVar, file string) *slog.Logger {
	var w io.Writer = os.Stderr
	if file != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
