package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/safierinx-a/led-grid-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"ingested", snap.Ingested,
					"dropped", snap.Dropped,
					"invalid", snap.Invalid,
					"batches", snap.Batches,
					"batch_frames", snap.BatchTx,
					"debounced", snap.Debounced,
					"ws_rx", snap.WSRx,
					"ws_tx", snap.WSTx,
					"serial_tx", snap.SerialTx,
					"bus_drops", snap.BusDrops,
					"controllers", snap.Controllers,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
