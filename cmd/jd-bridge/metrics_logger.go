package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/metrics"
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
					"relay_rx", snap.RelayRx,
					"relay_tx", snap.RelayTx,
					"queue_drops", snap.QueueDrops,
					"crc_errors", snap.CRCErrors,
					"malformed", snap.Malformed,
					"chunks_rx", snap.ChunksRx,
					"chunks_tx", snap.ChunksTx,
					"spi_transfers", snap.SPITransfers,
					"xchg_in", snap.XchgIn,
					"xchg_out", snap.XchgOut,
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"mqtt_published", snap.MQTTPublished,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
