package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/hub"
	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/relay"
)

// bridge carries what every backend needs to start.
type bridge struct {
	cfg   *appConfig
	hub   *hub.Hub
	out   *framePrinter // nil when the stdout trace is disabled
	l     *slog.Logger
	wg    *sync.WaitGroup
	fatal chan error
}

// fail reports an unrecoverable transport error to main.
func (rt *bridge) fail(err error) {
	select {
	case rt.fatal <- err:
	default:
	}
}

// newRelay builds the relay queues with the configured depth.
func (rt *bridge) newRelay(sink jd.Sink) *relay.Relay {
	return relay.New(
		relay.WithSink(sink),
		relay.WithQueueSizes(rt.cfg.queueSize, rt.cfg.queueSize),
		relay.WithLogger(rt.l),
	)
}

// printFrame is the default rxQ consumer: it writes the stdout trace.
func (rt *bridge) printFrame(f jd.Frame, ts time.Time) {
	if err := rt.out.Print(ts, f); err != nil {
		rt.l.Warn("stdout_write_error", "error", err)
	}
}

// link is a started backend wired to its relay.
type link struct {
	relay   *relay.Relay
	send    func(jd.Frame) error      // transmit pump target for txQ
	stdin   func(jd.Frame) error      // target for frames read from stdin
	tcp     func(jd.Frame) error      // target for frames from TCP clients
	deliver func(jd.Frame, time.Time) // rxQ consumer; may be nil
	cleanup func()
}

// initBackend selects the backend and starts its RX side. It returns an error
// instead of exiting the process to allow graceful handling by the caller.
func initBackend(ctx context.Context, rt *bridge) (*link, error) {
	switch rt.cfg.backend {
	case backendSPI:
		return initSPIBackend(ctx, rt)
	case backendSerial:
		return initSerialBackend(ctx, rt)
	case backendShm:
		return initShmHostBackend(ctx, rt)
	case backendShmDevice:
		return initShmDeviceBackend(ctx, rt)
	default:
		return nil, fmt.Errorf("unknown backend %q (use spi|serial|shm|shm-device)", rt.cfg.backend)
	}
}
