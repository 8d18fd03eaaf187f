package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/hub"
	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
	"github.com/kstaniek/go-jd-bridge/internal/relay"
)

// conn is one admitted client: a reader feeding the bus and a writer
// draining the client's hub buffer.
type conn struct {
	s   *Server
	nc  net.Conn
	cl  *hub.Client
	log *slog.Logger

	closeOnce sync.Once

	rx        atomic.Uint64 // frames accepted for the bus
	filtered  atomic.Uint64
	queueFull atomic.Uint64
	crc       atomic.Uint64
	tx        atomic.Uint64
}

func (s *Server) newConn(nc net.Conn, log *slog.Logger) *conn {
	n := defaultClientBuffer
	if s.Hub != nil && s.Hub.OutBufSize > 0 {
		n = s.Hub.OutBufSize
	}
	c := &conn{s: s, nc: nc, cl: hub.NewClient(n), log: log}
	if s.Hub != nil {
		s.Hub.Add(c.cl)
	}
	return c
}

// close tears the client down from either side; idempotent.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.nc.Close()
		if c.s.Hub != nil {
			c.s.Hub.Remove(c.cl)
		}
		c.cl.Close()
	})
}

// serve runs the writer in the background and the reader inline. Whichever
// ends first closes the connection, which ends the other.
func (c *conn) serve(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop(ctx)
		c.close()
	}()
	c.readLoop(ctx)
	c.close()
	<-done
}

// queue hands one client frame to the bus. A full queue drops the frame and
// keeps the connection; the first drop on a connection is logged at Warn.
func (c *conn) queue(f jd.Frame) {
	if c.s.frameFilter != nil && !c.s.frameFilter(f) {
		c.filtered.Add(1)
		return
	}
	metrics.IncTCPRx()
	if c.s.Send == nil {
		return
	}
	err := c.s.Send(f)
	switch {
	case err == nil:
		c.rx.Add(1)
	case errors.Is(err, relay.ErrQueueFull):
		if c.queueFull.Add(1) == 1 {
			c.log.Warn("tcp_rx_queue_full", "device_id", fmt.Sprintf("%016x", f.DeviceID()))
		}
	default:
		c.log.Error("backend_tx_error", "error", c.s.report(ErrBackendTx, err), "device_id", fmt.Sprintf("%016x", f.DeviceID()))
	}
}

func (c *conn) readLoop(ctx context.Context) {
	for ctx.Err() == nil {
		_ = c.nc.SetReadDeadline(time.Now().Add(c.s.readDeadline))
		_, err := c.s.Codec.DecodeN(c.nc, maxDecode, c.queue)
		if err == nil {
			continue
		}
		var ne net.Error
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return
		case errors.As(err, &ne) && ne.Timeout():
			continue
		case errors.Is(err, jd.ErrBadCRC):
			// The frame was consumed; the stream is still aligned.
			c.crc.Add(1)
			c.log.Warn("frame_crc_mismatch", "error", err)
			continue
		}
		// A bad size byte or a truncated frame cannot be resynchronized.
		c.log.Warn("client_stream_error", "error", c.s.report(ErrConnRead, err))
		return
	}
}

// writeLoop blocks for one frame, then takes whatever else is already queued
// (up to maxBatch) and writes it in one call.
func (c *conn) writeLoop(ctx context.Context) {
	batch := make([]jd.Frame, 0, maxBatch)
	for {
		select {
		case f := <-c.cl.Out:
			batch = append(batch, f)
		case <-c.cl.Closed:
			return
		case <-ctx.Done():
			return
		}
	fill:
		for len(batch) < maxBatch {
			select {
			case f := <-c.cl.Out:
				batch = append(batch, f)
			default:
				break fill
			}
		}
		if _, err := c.s.Codec.EncodeTo(c.nc, batch); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.log.Warn("client_write_failed", "error", c.s.report(ErrConnWrite, err))
			}
			return
		}
		c.tx.Add(uint64(len(batch)))
		metrics.AddTCPTx(len(batch))
		batch = batch[:0]
	}
}

func (c *conn) logSummary() {
	c.log.Info("client_disconnected",
		"rx_frames", c.rx.Load(),
		"queue_full_drops", c.queueFull.Load(),
		"filtered", c.filtered.Load(),
		"crc_errors", c.crc.Load(),
		"tx_frames", c.tx.Load(),
		"hub_drops", c.cl.Dropped(),
	)
}
