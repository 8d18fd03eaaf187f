package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-jd-bridge/internal/logging"
)

// setupLogger writes diagnostics to stderr; stdout carries the frame trace.
func setupLogger(format, level string) *slog.Logger {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	l := logging.New(format, lvl, os.Stderr).With("app", "jd-bridge")
	logging.Set(l)
	return l
}
