package main

import (
	"log/slog"

	"github.com/safierinx-a/led-grid-server/internal/buffer"
)

func initBuffer(cfg *appConfig, l *slog.Logger) *buffer.Buffer {
	b := buffer.New(buffer.Config{
		BatchSizeMax:         cfg.batchSizeMax,
		PriorityBatchSizeMax: cfg.prioBatchSizeMax,
		MaxDelay:             cfg.maxDelay,
		MinFlushFrames:       cfg.minFlushFrames,
		MinRequestInterval:   cfg.minRequestInterval,
		MaxBuffered:          cfg.maxBuffered,
	}, buffer.WithLogger(l))
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("buffer_config",
		"batch_size_max", cfg.batchSizeMax,
		"priority_batch_size_max", cfg.prioBatchSizeMax,
		"max_delay", cfg.maxDelay,
		"min_flush_frames", cfg.minFlushFrames,
		"max_buffered", cfg.maxBuffered,
	)
	return b
}
