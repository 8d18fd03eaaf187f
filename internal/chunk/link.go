package chunk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/logging"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

// Link is one logical chunked link: a Reassembler on the receive side and a
// Sender on the transmit side.
type Link struct {
	mu      sync.Mutex // guards reasm
	reasm   *Reassembler
	sender  *Sender
	handler jd.FrameHandler
	logger  *slog.Logger
}

// LinkOption customizes a Link.
type LinkOption func(*linkConfig)

type linkConfig struct {
	mtu        int
	retryDelay time.Duration
	logger     *slog.Logger
}

func WithMTU(n int) LinkOption { return func(c *linkConfig) { c.mtu = n } }

func WithRetryDelay(d time.Duration) LinkOption {
	return func(c *linkConfig) { c.retryDelay = d }
}

func WithLogger(l *slog.Logger) LinkOption {
	return func(c *linkConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewLink wires a chunk transport to h, which receives every complete frame
// that passes validation.
func NewLink(tx Transmitter, h jd.FrameHandler, opts ...LinkOption) *Link {
	cfg := linkConfig{mtu: DefaultMTU, retryDelay: time.Millisecond, logger: logging.L()}
	for _, o := range opts {
		o(&cfg)
	}
	return &Link{
		reasm:   NewReassembler(cfg.logger),
		sender:  NewSender(tx, cfg.mtu, cfg.retryDelay),
		handler: h,
		logger:  cfg.logger,
	}
}

// HandleChunk is the data-received callback of the transport.
func (l *Link) HandleChunk(b []byte) {
	metrics.IncChunkRx()
	l.mu.Lock()
	raw, done := l.reasm.Push(b)
	l.mu.Unlock()
	if !done {
		return
	}
	f, err := jd.Parse(raw)
	if err != nil {
		if errors.Is(err, jd.ErrBadCRC) {
			metrics.IncCRCError()
		} else {
			metrics.IncMalformed()
		}
		l.logger.Warn("chunk_frame_invalid", "error", err, "len", len(raw))
		return
	}
	if l.handler == nil {
		return
	}
	if err := l.handler.HandleFrame(f); err != nil {
		l.logger.Debug("chunk_frame_rejected", "error", err)
	}
}

// Send transmits one frame over the link.
func (l *Link) Send(ctx context.Context, f jd.Frame) error {
	n := len(f)
	if n >= jd.HeaderSize && f.Len() <= n {
		n = f.Len()
	}
	return l.sender.Send(ctx, f[:n])
}

// SendFrame transmits f without cancellation; it matches the backend send
// signature used by the transmit pump.
func (l *Link) SendFrame(f jd.Frame) error { return l.Send(context.Background(), f) }

// Stats returns the reassembly counters.
func (l *Link) Stats() ReassemblyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reasm.Stats()
}
