package xchg

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/frameq"
	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/logging"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

// Interrupter raises the peer's exchange interrupt.
type Interrupter interface {
	Interrupt()
}

// InterruptFunc adapts a function to Interrupter.
type InterruptFunc func()

func (fn InterruptFunc) Interrupt() { fn() }

// NopInterrupter is used when the peer polls instead of taking interrupts.
type NopInterrupter struct{}

func (NopInterrupter) Interrupt() {}

// LogQueueSize bounds frames waiting for the receive window.
const LogQueueSize = 10

// Device is the peripheral side of the exchange. It publishes traced frames
// into the receive window and hands frames the host wrote into the send
// window to a FrameHandler.
type Device struct {
	mem     Memory
	handler jd.FrameHandler
	logQ    *frameq.Queue
	logger  *slog.Logger

	mu  sync.Mutex // window access
	irq chan struct{}
}

// DeviceOption customizes a Device.
type DeviceOption func(*Device)

func WithDeviceLogger(l *slog.Logger) DeviceOption {
	return func(d *Device) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithLogQueue overrides the backlog bound.
func WithLogQueue(n int) DeviceOption {
	return func(d *Device) { d.logQ = frameq.New(n) }
}

// NewDevice binds a Device to mem. h receives frames sent by the host.
func NewDevice(mem Memory, h jd.FrameHandler, opts ...DeviceOption) *Device {
	d := &Device{
		mem:     mem,
		handler: h,
		logQ:    frameq.New(LogQueueSize),
		logger:  logging.L(),
		irq:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Init clears the region, writes the magic and irqn, and arms the receive
// window so nothing is published until the host attaches.
func (d *Device) Init(irqn byte) error {
	if d.mem.Size() < RegionSize {
		return ErrRegionSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for off := 0; off < RegionSize; off += 4 {
		d.mem.StoreWord(off, 0)
	}
	d.mem.StoreWord(IrqnOffset, uint32(irqn))
	d.mem.StoreWord(RecvOffset, Armed<<(8*sentinelIdx))
	// magic goes last so a polling host never sees a half-initialized region
	w0, w1 := magicWords()
	d.mem.StoreWord(4, w1)
	d.mem.StoreWord(0, w0)
	return nil
}

// Attached reports whether the host has cleared the initial lock.
func (d *Device) Attached() bool { return sentinel(d.mem, RecvOffset) != Armed }

// LogFrame publishes f to the host: directly into the receive window when it
// is free and nothing is queued ahead, otherwise onto the backlog. Frames are
// dropped while the host is not attached.
func (d *Device) LogFrame(f jd.Frame) {
	d.mu.Lock()
	switch s := sentinel(d.mem, RecvOffset); {
	case s == Armed:
	case s != 0 || !d.logQ.Empty():
		if err := d.logQ.Enqueue(f); err != nil {
			metrics.IncQueueDrop(metrics.QueueLog)
			d.logger.Debug("xchg_log_drop", "error", err)
		}
	default:
		writeSlot(d.mem, RecvOffset, f)
		metrics.IncXchgOut()
	}
	d.mu.Unlock()
	d.Poke()
}

// Poke moves one backlog frame into a free receive window and consumes a
// frame waiting in the send window.
func (d *Device) Poke() {
	var in jd.Frame
	d.mu.Lock()
	if sentinel(d.mem, RecvOffset) == 0 {
		if e, ok := d.logQ.PopOne(); ok {
			writeSlot(d.mem, RecvOffset, e.Frame())
			e.Release()
			metrics.IncXchgOut()
		}
	}
	if f, ok := readSlot(d.mem, SendOffset); ok {
		in = f
		clearSentinel(d.mem, SendOffset)
	}
	d.mu.Unlock()

	if in == nil {
		return
	}
	metrics.IncXchgIn()
	if d.handler == nil {
		return
	}
	if err := d.handler.HandleFrame(in); err != nil {
		if errors.Is(err, jd.ErrBadCRC) {
			d.logger.Warn("xchg_frame_crc_mismatch", "len", len(in))
		} else {
			d.logger.Debug("xchg_frame_rejected", "error", err)
		}
	}
}

// Interrupt signals the device loop. Signals coalesce.
func (d *Device) Interrupt() {
	select {
	case d.irq <- struct{}{}:
	default:
	}
}

// Run services interrupts until ctx is done. A positive poll interval also
// pokes periodically, for hosts that cannot raise the interrupt.
func (d *Device) Run(ctx context.Context, poll time.Duration) error {
	var tick <-chan time.Time
	if poll > 0 {
		t := time.NewTicker(poll)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.irq:
		case <-tick:
		}
		d.Poke()
	}
}
