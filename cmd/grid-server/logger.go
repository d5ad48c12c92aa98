package main

import (
	"log/slog"
	"os"

	"github.com/safierinx-a/led-grid-server/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "grid-server")
	logging.Set(l)
	return l
}
