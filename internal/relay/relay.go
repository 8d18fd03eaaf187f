// Package relay is the application boundary of the bridge: it owns the
// receive and transmit frame queues shared by every transport.
//
// Producers (transport callbacks, stdin, TCP clients) enqueue; consumers pull.
// Neither side ever blocks on the other: a full queue drops the new frame and
// reports ErrQueueFull.
package relay

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

// ErrQueueFull reports a frame dropped because the target queue was at capacity.
var ErrQueueFull = errors.New("relay: queue full")

// Relay holds rxQ (frames from the wire, waiting for the application) and txQ
// (frames waiting for a transport).
type Relay struct {
	rxQ  *frameq.Queue
	txQ  *frameq.Queue
	sink jd.Sink

	rxReady chan struct{}
	txReady chan struct{}
	txEmpty chan struct{}

	logger *slog.Logger
}

// Option configures a Relay.
type Option func(*config)

type config struct {
	rxMax, txMax int
	sink         jd.Sink
	logger       *slog.Logger
	clock        func() time.Time
}

// WithSink installs the frame trace sink. It is fixed for the Relay's lifetime.
func WithSink(s jd.Sink) Option { return func(c *config) { c.sink = s } }

// WithQueueSizes overrides the default capacity (10) of rxQ and txQ.
func WithQueueSizes(rx, tx int) Option {
	return func(c *config) {
		if rx > 0 {
			c.rxMax = rx
		}
		if tx > 0 {
			c.txMax = tx
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the timestamp source for queued frames.
func WithClock(now func() time.Time) Option { return func(c *config) { c.clock = now } }

// New builds a Relay.
func New(opts ...Option) *Relay {
	c := config{rxMax: frameq.DefaultMax, txMax: frameq.DefaultMax, sink: jd.NopSink{}, logger: logging.L()}
	for _, o := range opts {
		o(&c)
	}
	if c.sink == nil {
		c.sink = jd.NopSink{}
	}
	var qopts []frameq.Option
	if c.clock != nil {
		qopts = append(qopts, frameq.WithClock(c.clock))
	}
	return &Relay{
		rxQ:     frameq.New(c.rxMax, qopts...),
		txQ:     frameq.New(c.txMax, qopts...),
		sink:    c.sink,
		rxReady: make(chan struct{}, 1),
		txReady: make(chan struct{}, 1),
		txEmpty: make(chan struct{}, 1),
		logger:  c.logger,
	}
}

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Ready is signalled after a frame lands in rxQ. Signals coalesce.
func (r *Relay) Ready() <-chan struct{} { return r.rxReady }

// TxReady is signalled after a frame lands in txQ. Signals coalesce.
func (r *Relay) TxReady() <-chan struct{} { return r.txReady }

// TxEmpty is signalled when a pull leaves txQ empty.
func (r *Relay) TxEmpty() <-chan struct{} { return r.txEmpty }

// PushOutgoingFrame builds a frame from a 16-byte header and packet payload,
// queues it for transmission and traces it.
func (r *Relay) PushOutgoingFrame(header, payload []byte) error {
	f, err := jd.Build(header, payload)
	if err != nil {
		return err
	}
	if err := r.enqueueTx(f); err != nil {
		return err
	}
	r.sink.LogFrame(f)
	poke(r.txReady)
	return nil
}

// PushFrame queues an already encoded frame for transmission. The frame is
// validated first; trailing bytes past its declared length are dropped.
func (r *Relay) PushFrame(f jd.Frame) error {
	if err := f.Validate(); err != nil {
		metrics.IncMalformed()
		return err
	}
	if err := r.enqueueTx(f[:f.Len()]); err != nil {
		return err
	}
	poke(r.txReady)
	return nil
}

// HandleFrame accepts a frame received from a wire.
func (r *Relay) HandleFrame(f jd.Frame) error {
	if err := f.Validate(); err != nil {
		if errors.Is(err, jd.ErrBadCRC) {
			metrics.IncCRCError()
		} else {
			metrics.IncMalformed()
		}
		return err
	}
	if err := r.enqueueRx(f[:f.Len()]); err != nil {
		return err
	}
	metrics.IncRelayRx()
	poke(r.rxReady)
	return nil
}

// HandleExternal accepts a frame that arrived over a secondary path. The
// application sees it flagged as relayed, and an unflagged copy is queued for
// the wire. Both copies carry a CRC matching their flags; the caller's buffer
// is not modified.
func (r *Relay) HandleExternal(f jd.Frame) error {
	if err := f.Validate(); err != nil {
		metrics.IncMalformed()
		return err
	}
	g := f.Clone()
	g.SetFlags(g.Flags() | jd.FlagRelayed)
	g.SetCRC()
	rxErr := r.enqueueRx(g)
	if rxErr == nil {
		metrics.IncRelayRx()
		poke(r.rxReady)
	}
	g.SetFlags(g.Flags() &^ jd.FlagRelayed)
	g.SetCRC()
	txErr := r.enqueueTx(g)
	if txErr == nil {
		poke(r.txReady)
	}
	return errors.Join(rxErr, txErr)
}

func (r *Relay) enqueueRx(f jd.Frame) error {
	if err := r.rxQ.Enqueue(f); err != nil {
		return r.dropped(metrics.QueueRx, f, err)
	}
	return nil
}

func (r *Relay) enqueueTx(f jd.Frame) error {
	if err := r.txQ.Enqueue(f); err != nil {
		return r.dropped(metrics.QueueTx, f, err)
	}
	return nil
}

func (r *Relay) dropped(queue string, f jd.Frame, err error) error {
	if !errors.Is(err, frameq.ErrFull) {
		return err
	}
	metrics.IncQueueDrop(queue)
	r.logger.Debug("relay_queue_drop", "queue", queue, "device_id", fmt.Sprintf("%016x", f.DeviceID()), "len", len(f))
	return fmt.Errorf("%w (%s)", ErrQueueFull, queue)
}

// PullOutgoingFrame removes the next frame from txQ. ok is false when txQ is empty.
func (r *Relay) PullOutgoingFrame() (jd.Frame, bool) {
	e, ok := r.txQ.PopOne()
	if !ok {
		return nil, false
	}
	f, _ := e.Take()
	metrics.IncRelayTx()
	if r.txQ.Empty() {
		poke(r.txEmpty)
	}
	return f, true
}

// NextFrame returns the next received frame with its capture time. Frames
// are traced to the sink unless they carry FlagRelayed.
func (r *Relay) NextFrame() (jd.Frame, time.Time, bool) {
	e, ok := r.rxQ.PopOne()
	if !ok {
		return nil, time.Time{}, false
	}
	f, ts := e.Take()
	if !f.IsRelayed() {
		r.sink.LogFrame(f)
	}
	return f, ts, true
}

// Run consumes rxQ until ctx is done, passing every frame to deliver (which
// may be nil when tracing is all the caller needs).
func (r *Relay) Run(ctx context.Context, deliver func(jd.Frame, time.Time)) error {
	for {
		for {
			f, ts, ok := r.NextFrame()
			if !ok {
				break
			}
			if deliver != nil {
				deliver(f, ts)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.rxReady:
		}
	}
}

// TxLen returns the number of frames waiting in txQ.
func (r *Relay) TxLen() int { return r.txQ.Len() }

// RxLen returns the number of frames waiting in rxQ.
func (r *Relay) RxLen() int { return r.rxQ.Len() }
