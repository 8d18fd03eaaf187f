package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/chunk"
	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
	"github.com/kstaniek/go-jd-bridge/internal/serial"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// initSerialBackend runs a chunked link over a UART: received envelopes are
// reassembled into frames for the relay, and txQ frames are segmented onto
// the port.
func initSerialBackend(ctx context.Context, rt *bridge) (*link, error) {
	cfg := rt.cfg
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, fmt.Errorf("open serial: %w", err)
	}
	l := rt.l
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud, "mtu", cfg.chunkMTU)
	r := rt.newRelay(rt.hub)
	serCodec := serial.Codec{MTU: cfg.chunkMTU}
	cl := chunk.NewLink(serial.NewChunkWriter(sp, serCodec), r,
		chunk.WithMTU(cfg.chunkMTU),
		chunk.WithLogger(l),
	)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer l.Info("serial_rx_end")
		buf := make([]byte, serialReadBufSize)
		acc := bytes.NewBuffer(nil)
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				_ = serCodec.DecodeStream(acc, cl.HandleChunk)
				if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
					acc = bytes.NewBuffer(nil)
				}
				backoff = rxBackoffMin
			}
			if err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					rt.fail(fmt.Errorf("serial read: %w", err))
					return // device removed or fatal
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue // ignore transient EOF
				}
				metrics.IncError(metrics.ErrSerialRead)
				l.Warn("serial_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
			}
		}
	}()
	send := func(f jd.Frame) error { return cl.Send(ctx, f) }
	return &link{
		relay:   r,
		send:    send,
		stdin:   r.PushFrame,
		tcp:     r.PushFrame,
		deliver: rt.printFrame,
		cleanup: func() { _ = sp.Close() },
	}, nil
}
