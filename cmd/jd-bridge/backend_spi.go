package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
	"github.com/kstaniek/go-jd-bridge/internal/spi"
)

// spiHardware is the opened device plus its two ready lines.
type spiHardware struct {
	dev     spi.Transferer
	txReady spi.Pin
	rxReady spi.Pin
	// watch feeds out with one signal per rising edge batch until ctx is done.
	watch func(ctx context.Context, out chan<- struct{}) error
	close func()
}

// openSPIHardware is a hook for tests (overridden in unit tests).
var openSPIHardware = func(cfg *appConfig) (*spiHardware, error) {
	if cfg.spiReset {
		if err := spi.ResetPeripheral(spi.PinReset); err != nil {
			return nil, fmt.Errorf("reset peripheral: %w", err)
		}
	}
	dev, err := spi.OpenSpidev(cfg.spiDev, 0, uint32(cfg.spiSpeed))
	if err != nil {
		return nil, err
	}
	tx, err := spi.ExportPin(spi.PinTxReady, "in", "rising")
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	rx, err := spi.ExportPin(spi.PinRxReady, "in", "rising")
	if err != nil {
		_ = tx.Close()
		_ = dev.Close()
		return nil, err
	}
	return &spiHardware{
		dev:     dev,
		txReady: tx,
		rxReady: rx,
		watch: func(ctx context.Context, out chan<- struct{}) error {
			return spi.WatchEdges(ctx, out, tx, rx)
		},
		close: func() { _ = rx.Close(); _ = tx.Close(); _ = dev.Close() },
	}, nil
}

// initSPIBackend drives the duplex SPI bridge. Every receive window is
// printed and flushed as one batch, then handed to the relay for fan-out.
// Stdin frames go straight into the transmit window and block while it is
// full.
func initSPIBackend(ctx context.Context, rt *bridge) (*link, error) {
	hw, err := openSPIHardware(rt.cfg)
	if err != nil {
		return nil, fmt.Errorf("open spi: %w", err)
	}
	l := rt.l
	l.Info("spi_open", "device", rt.cfg.spiDev, "speed_hz", rt.cfg.spiSpeed)
	r := rt.newRelay(rt.hub)
	recv := spi.ReceiverFunc(func(ts time.Time, frames []jd.Frame) {
		if len(frames) == 0 {
			return
		}
		if err := rt.out.Print(ts, frames...); err != nil {
			l.Warn("stdout_write_error", "error", err)
		}
		for _, f := range frames {
			// Integrity failures were reported by the window parser; queue-full
			// drops are counted and logged by the relay.
			_ = r.HandleFrame(f)
		}
	})
	b := spi.New(hw.dev, hw.txReady, hw.rxReady, recv, spi.WithLogger(l))

	runCtx, cancel := context.WithCancel(ctx)
	edges := make(chan struct{}, 1)
	rt.wg.Add(2)
	go func() {
		defer rt.wg.Done()
		if err := hw.watch(runCtx, edges); err != nil && runCtx.Err() == nil {
			metrics.IncError(metrics.ErrGPIO)
			l.Error("gpio_watch_failed", "error", err)
			rt.fail(err)
		}
	}()
	go func() {
		defer rt.wg.Done()
		defer l.Info("spi_rx_end")
		// Nothing drains the transmit window once Run returns; wake senders
		// blocked on it.
		defer func() { _ = b.Close() }()
		err := b.Run(runCtx, edges)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, spi.ErrClosed) {
			l.Error("spi_transfer_fatal", "error", err)
			rt.fail(err)
		}
	}()
	return &link{
		relay:   r,
		send:    b.SendFrame,
		stdin:   b.SendFrame,
		tcp:     r.PushFrame,
		deliver: nil, // printed per window above
		cleanup: func() { cancel(); _ = b.Close(); hw.close() },
	}, nil
}
