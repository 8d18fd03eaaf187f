package xchg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/frameq"
	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/logging"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

// DefaultPollInterval is how long Run idles after a pass with no activity.
const DefaultPollInterval = time.Millisecond

// Host is the computer side of the exchange. Step and Run must be driven from
// a single goroutine; Send may be called from anywhere.
type Host struct {
	mem     Memory
	irq     Interrupter
	handler jd.FrameHandler
	sendQ   *frameq.Queue
	poll    time.Duration
	logger  *slog.Logger
	kick    chan struct{}

	attached bool
	pending  bool
	onSent   func()
}

// HostOption customizes a Host.
type HostOption func(*Host)

func WithHostLogger(l *slog.Logger) HostOption {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithPollInterval(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.poll = d
		}
	}
}

// WithSendQueue overrides the bound of frames waiting for the send window.
func WithSendQueue(n int) HostOption {
	return func(h *Host) { h.sendQ = frameq.New(n) }
}

// WithSentHook is called each time the peripheral consumes a sent frame.
func WithSentHook(fn func()) HostOption { return func(h *Host) { h.onSent = fn } }

// NewHost binds a Host to mem. irq is raised after each window update; h
// receives frames published by the peripheral.
func NewHost(mem Memory, irq Interrupter, h jd.FrameHandler, opts ...HostOption) *Host {
	if irq == nil {
		irq = NopInterrupter{}
	}
	host := &Host{
		mem:     mem,
		irq:     irq,
		handler: h,
		sendQ:   frameq.New(frameq.DefaultMax),
		poll:    DefaultPollInterval,
		logger:  logging.L(),
		kick:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(host)
	}
	return host
}

// Attach checks the region header and releases the initial lock on the
// receive window. It returns the advertised irqn.
func (h *Host) Attach() (byte, error) {
	irqn, err := checkMagic(h.mem)
	if err != nil {
		return 0, err
	}
	if sentinel(h.mem, RecvOffset) != Armed {
		return irqn, ErrNotArmed
	}
	h.mem.StoreWord(RecvOffset, 0)
	h.attached = true
	h.logger.Info("xchg_attached", "irqn", irqn)
	return irqn, nil
}

// Send queues f for the send window.
func (h *Host) Send(f jd.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := h.sendQ.Enqueue(f[:f.Len()]); err != nil {
		if errors.Is(err, frameq.ErrFull) {
			metrics.IncQueueDrop(metrics.QueueTx)
			return fmt.Errorf("%w: %v", ErrQueueFull, err)
		}
		return err
	}
	select {
	case h.kick <- struct{}{}:
	default:
	}
	return nil
}

// SendFrame is Send with the backend signature used by the transmit pump.
func (h *Host) SendFrame(f jd.Frame) error { return h.Send(f) }

// Step runs one pass of the exchange loop and returns the number of events
// it handled: a received frame, a completed send, a started send.
func (h *Host) Step() (int, error) {
	if !h.attached {
		return 0, ErrNotAttached
	}
	events := 0
	if f, ok := readSlot(h.mem, RecvOffset); ok {
		h.mem.StoreWord(RecvOffset, 0)
		h.irq.Interrupt()
		events++
		h.deliver(f)
	}

	sendFree := false
	if h.pending && sentinel(h.mem, SendOffset) == 0 {
		h.pending = false
		sendFree = true
		events++
		if h.onSent != nil {
			h.onSent()
		}
	}
	if !h.pending && !h.sendQ.Empty() {
		if !sendFree {
			sendFree = sentinel(h.mem, SendOffset) == 0
		}
		if sendFree {
			if e, ok := h.sendQ.PopOne(); ok {
				writeSlot(h.mem, SendOffset, e.Frame())
				e.Release()
				h.pending = true
				h.irq.Interrupt()
				metrics.IncXchgOut()
				events++
			}
		}
	}
	return events, nil
}

func (h *Host) deliver(f jd.Frame) {
	metrics.IncXchgIn()
	if err := f.Validate(); err != nil {
		if errors.Is(err, jd.ErrBadCRC) {
			metrics.IncCRCError()
		} else {
			metrics.IncMalformed()
		}
		h.logger.Warn("xchg_frame_invalid", "error", err)
		return
	}
	if h.handler == nil {
		return
	}
	if err := h.handler.HandleFrame(f); err != nil {
		h.logger.Debug("xchg_frame_rejected", "error", err)
	}
}

// Pending reports whether a sent frame is still waiting to be consumed.
func (h *Host) Pending() bool { return h.pending }

// Run attaches if needed and drives Step until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	if !h.attached {
		if _, err := h.Attach(); err != nil {
			return err
		}
	}
	idle := time.NewTimer(h.poll)
	defer idle.Stop()
	for {
		n, err := h.Step()
		if err != nil {
			metrics.IncError(metrics.ErrXchgPoll)
			return err
		}
		if n > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		idle.Reset(h.poll)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.kick:
		case <-idle.C:
		}
	}
}
