// Package hub is the trace fan-out: every frame the relay traces is copied
// once and offered to each stream client (TCP connections, the MQTT mirror)
// through the client's own bounded channel. A slow client never stalls the
// trace path; what happens to it is decided by the Policy.
package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/logging"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

// Policy decides what happens to a client whose buffer is full.
type Policy int

const (
	PolicyDrop Policy = iota // skip the frame for that client
	PolicyKick               // close the client
)

func (p Policy) String() string {
	switch p {
	case PolicyDrop:
		return "drop"
	case PolicyKick:
		return "kick"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy maps a config value to a Policy. Unknown names yield
// PolicyDrop and an error.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("hub: unknown policy %q", s)
}

// Client is one fan-out destination. The owner drains Out until Closed.
type Client struct {
	Out    chan jd.Frame
	Closed chan struct{}

	once    sync.Once
	queued  atomic.Uint64
	dropped atomic.Uint64
}

// NewClient allocates a client with an outbound buffer of n frames.
func NewClient(n int) *Client {
	return &Client{Out: make(chan jd.Frame, n), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() { c.once.Do(func() { close(c.Closed) }) }

// Queued returns the number of frames handed to Out.
func (c *Client) Queued() uint64 { return c.queued.Load() }

// Dropped returns the number of frames skipped because Out was full.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) closed() bool {
	select {
	case <-c.Closed:
		return true
	default:
		return false
	}
}

// offer places f on the client's buffer without blocking.
func (c *Client) offer(f jd.Frame) bool {
	select {
	case c.Out <- f:
		c.queued.Add(1)
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Stats is a point-in-time view of the trace fan-out.
type Stats struct {
	Traced  uint64 // frames passed to LogFrame
	Lost    uint64 // traced frames no client could take
	Dropped uint64 // per-client drops, summed
	Kicked  uint64
}

// Hub tracks the registered clients.
type Hub struct {
	OutBufSize int
	Policy     Policy

	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger

	traced  atomic.Uint64
	lost    atomic.Uint64
	dropped atomic.Uint64
	kicked  atomic.Uint64
}

// Option customizes a Hub.
type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates a Hub using PolicyDrop.
func New(opts ...Option) *Hub {
	h := &Hub{clients: make(map[*Client]struct{}), logger: logging.L()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Add registers a client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(n)
	if n == 1 {
		h.logger.Info("clients_first_connected")
	}
}

// Remove unregisters and closes a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.Close()
	if !ok {
		return
	}
	metrics.SetHubClients(n)
	if d := c.Dropped(); d > 0 {
		h.logger.Info("client_frames_dropped", "dropped", d, "queued", c.Queued())
	}
	if n == 0 {
		h.logger.Info("clients_last_disconnected")
	}
}

// Broadcast offers fr to every client and returns how many took it. fr is
// shared between clients and must be treated as read-only.
func (h *Hub) Broadcast(fr jd.Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	metrics.SetBroadcastFanout(len(h.clients))
	if len(h.clients) == 0 {
		return 0
	}
	took, depthMax, depthSum := 0, 0, 0
	for c := range h.clients {
		if c.closed() {
			continue
		}
		if c.offer(fr) {
			took++
		} else if h.overflow(c) {
			continue
		}
		d := len(c.Out)
		depthSum += d
		if d > depthMax {
			depthMax = d
		}
	}
	metrics.SetQueueDepth(depthMax, depthSum/len(h.clients))
	return took
}

// overflow applies the policy to a client that could not take a frame and
// reports whether the client was kicked.
func (h *Hub) overflow(c *Client) bool {
	h.dropped.Add(1)
	if h.Policy == PolicyKick {
		h.kicked.Add(1)
		metrics.IncHubKick()
		c.Close() // the owner removes it on its way out
		return true
	}
	metrics.IncHubDrop()
	return false
}

// LogFrame is the trace sink. The frame is copied once, trimmed to its wire
// length, only when at least one client is registered. A traced frame that
// no client could take is counted as lost on the log queue.
func (h *Hub) LogFrame(f jd.Frame) {
	h.traced.Add(1)
	if h.Count() == 0 {
		return
	}
	if h.Broadcast(f.Clone()) == 0 {
		h.lost.Add(1)
		metrics.IncQueueDrop(metrics.QueueLog)
	}
}

// Stats returns the fan-out counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Traced:  h.traced.Load(),
		Lost:    h.lost.Load(),
		Dropped: h.dropped.Load(),
		Kicked:  h.kicked.Load(),
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
