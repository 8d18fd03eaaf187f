// Package spi implements the host side of the SPI duplex bridge: frames are
// batched into a fixed transmit window and exchanged with the peripheral in
// full-duplex transfers paced by two GPIO ready lines.
package spi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/logging"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

const (
	XferSize       = 256
	MaxRetries     = 10
	RetryDelay     = time.Millisecond
	MinFrameLen    = jd.HeaderSize
	DefaultSpeedHz = 16_000_000
	DefaultDevice  = "/dev/spidev0.0"

	// BCM pin numbers on the reference board.
	PinTxReady = 24 // peripheral ready for data from the host
	PinRxReady = 25 // peripheral has data for the host
	PinReset   = 27 // peripheral nRST
)

var (
	ErrTransferFailed = errors.New("spi: transfer failed")
	ErrWindowOverrun  = errors.New("spi: frame overruns window")
	ErrClosed         = errors.New("spi: bridge closed")
)

// Transferer performs one full-duplex transfer of len(tx) bytes.
type Transferer interface {
	Transfer(tx, rx []byte) error
}

// Pin is a readable GPIO line.
type Pin interface {
	Read() (bool, error)
}

// OutPin is a writable GPIO line.
type OutPin interface {
	Write(bool) error
}

// Receiver consumes the frames parsed out of one receive window. ts is the
// time the transfer started. Frames alias the receive window and are only
// valid during the call.
type Receiver interface {
	ReceiveWindow(ts time.Time, frames []jd.Frame)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(time.Time, []jd.Frame)

func (fn ReceiverFunc) ReceiveWindow(ts time.Time, frames []jd.Frame) { fn(ts, frames) }

// sleepFn allows tests to skip retry pauses.
var sleepFn = time.Sleep

// Bridge owns the transmit window and drives transfers.
type Bridge struct {
	dev     Transferer
	txReady Pin
	rxReady Pin
	recv    Receiver
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex // guards everything below; held for a whole transfer
	txFree *sync.Cond
	txBuf  [XferSize + 4]byte
	txPtr  int
	empty  [XferSize]byte
	rxBuf  [XferSize]byte
	closed bool
}

// Option customizes a Bridge.
type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock sets the window timestamp source.
func WithClock(now func() time.Time) Option { return func(b *Bridge) { b.now = now } }

// New creates a Bridge. recv may be nil when received frames are not needed.
func New(dev Transferer, txReady, rxReady Pin, recv Receiver, opts ...Option) *Bridge {
	b := &Bridge{
		dev:     dev,
		txReady: txReady,
		rxReady: rxReady,
		recv:    recv,
		logger:  logging.L(),
		now:     time.Now,
	}
	b.txFree = sync.NewCond(&b.mu)
	for _, o := range opts {
		o(b)
	}
	return b
}

// QueueTx appends a frame to the transmit window and attempts a transfer.
// Short frames and frames whose CRC does not match are rejected with a
// warning. When the window has no room QueueTx blocks until a transfer
// drains it.
func (b *Bridge) QueueTx(f []byte) error {
	if len(f) < MinFrameLen {
		b.logger.Warn("spi_tx_rejected", "reason", "short", "len", len(f))
		metrics.IncMalformed()
		return fmt.Errorf("%w (%d bytes)", jd.ErrShortFrame, len(f))
	}
	if len(f) > XferSize-4 {
		b.logger.Warn("spi_tx_rejected", "reason", "too_large", "len", len(f))
		metrics.IncMalformed()
		return fmt.Errorf("%w (%d bytes)", jd.ErrFrameTooLarge, len(f))
	}
	if got, want := binary.LittleEndian.Uint16(f), jd.CRC16(f[2:]); got != want {
		b.logger.Warn("spi_tx_rejected", "reason", "crc", "got", got, "want", want)
		metrics.IncCRCError()
		return fmt.Errorf("%w: got 0x%04X want 0x%04X", jd.ErrBadCRC, got, want)
	}

	b.mu.Lock()
	for b.txPtr+len(f) > XferSize && !b.closed {
		b.txFree.Wait()
	}
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	n := copy(b.txBuf[b.txPtr:], f)
	end := b.txPtr + jd.Align4(n)
	clear(b.txBuf[b.txPtr+n : end])
	b.txPtr = end
	b.mu.Unlock()
	return b.Xfer()
}

// SendFrame is QueueTx with the backend signature used by the transmit pump.
func (b *Bridge) SendFrame(f jd.Frame) error { return b.QueueTx(f) }

// Pending returns the number of bytes waiting in the transmit window.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txPtr
}

func (b *Bridge) read(p Pin, name string) bool {
	if p == nil {
		return false
	}
	v, err := p.Read()
	if err != nil {
		metrics.IncError(metrics.ErrGPIO)
		b.logger.Warn("spi_gpio_read_failed", "pin", name, "error", err)
		return false
	}
	return v
}

// Xfer performs one transfer if the peripheral has data for us, or if it is
// ready to take ours and we have some. It is safe to call from edge
// handlers and ordinary callers at the same time.
func (b *Bridge) Xfer() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	sendTx := b.txPtr > 0 && b.read(b.txReady, "tx_ready")
	if !b.read(b.rxReady, "rx_ready") && !sendTx {
		return nil
	}
	tx := b.empty[:]
	if sendTx {
		clear(b.txBuf[b.txPtr : b.txPtr+4])
		tx = b.txBuf[:XferSize]
	}
	clear(b.rxBuf[:4])
	ts := b.now()

	var err error
	for i := 0; i < MaxRetries; i++ {
		if err = b.dev.Transfer(tx, b.rxBuf[:]); err == nil {
			break
		}
		metrics.IncSPIRetry()
		b.logger.Warn("spi_ioctl_failed", "attempt", i+1, "error", err)
		sleepFn(RetryDelay)
	}
	if err != nil {
		metrics.IncError(metrics.ErrSPITransfer)
		return fmt.Errorf("%w after %d attempts: %w", ErrTransferFailed, MaxRetries, err)
	}
	metrics.IncSPITransfer()

	var frames []jd.Frame
	if _, perr := ParseWindow(b.rxBuf[:], func(f jd.Frame) { frames = append(frames, f) }, b.logger); perr != nil {
		b.logger.Warn("spi_window_overrun", "error", perr)
	}
	if b.recv != nil {
		b.recv.ReceiveWindow(ts, frames)
	}

	if sendTx {
		b.txPtr = 0
		b.txFree.Broadcast()
	}
	return nil
}

// Run transfers once, then again on every edge until ctx is done or a
// transfer fails for good.
func (b *Bridge) Run(ctx context.Context, edges <-chan struct{}) error {
	if err := b.Xfer(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-edges:
			if err := b.Xfer(); err != nil {
				return err
			}
		}
	}
}

// Close wakes blocked QueueTx callers and rejects further work.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.txFree.Broadcast()
	b.mu.Unlock()
	return nil
}
