// Package server exposes the relay as a TCP frame stream. Every client
// completes the hello exchange, then reads the trace fan-out from the hub and
// writes frames that are queued for the bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/hub"
	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/logging"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
	"github.com/kstaniek/go-jd-bridge/internal/transport"
	"github.com/kstaniek/go-jd-bridge/internal/wire"
)

// SendFunc queues a frame received from a client for the bus. A full queue
// is reported with relay.ErrQueueFull.
type SendFunc func(jd.Frame) error

// Codec is the stream encoding used on client connections.
type Codec interface {
	transport.MultiFrameDecoder
	transport.FrameBatchEncoder
}

const (
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultClientBuffer     = 512

	// maxBatch bounds how many queued frames one socket write carries.
	maxBatch = 32

	// maxDecode bounds how many frames one read pass decodes before the
	// reader rechecks for shutdown.
	maxDecode = 16
)

// Stats counts connection outcomes since the server started.
type Stats struct {
	Accepted        uint64
	HandshakeFailed uint64
	Rejected        uint64 // over the client limit
	Disconnected    uint64
}

// Server owns the TCP listener and coordinates client lifecycle.
type Server struct {
	Hub   *hub.Hub
	Codec Codec
	Send  SendFunc

	frameFilter      func(jd.Frame) bool
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	logger           *slog.Logger

	mu       sync.RWMutex
	addr     string
	listener net.Listener

	readyOnce sync.Once
	readyCh   chan struct{}

	lastErrMu sync.Mutex
	lastErr   error

	connsMu sync.Mutex
	conns   map[*conn]struct{}
	wg      sync.WaitGroup
	nextID  atomic.Uint64

	accepted        atomic.Uint64
	handshakeFailed atomic.Uint64
	rejected        atomic.Uint64
	disconnected    atomic.Uint64
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		Codec:            &wire.Codec{},
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		conns:            make(map[*conn]struct{}),
		logger:           logging.L(),
		addr:             ":0",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithHub(h *hub.Hub) ServerOption      { return func(s *Server) { s.Hub = h } }
func WithCodec(c Codec) ServerOption       { return func(s *Server) { s.Codec = c } }
func WithSend(send SendFunc) ServerOption  { return func(s *Server) { s.Send = send } }

// WithFrameFilter drops client frames for which fn returns false before they
// are counted or queued.
func WithFrameFilter(fn func(jd.Frame) bool) ServerOption {
	return func(s *Server) { s.frameFilter = fn }
}

// WithReadDeadline sets how long a client may stay silent before the read
// pass is retried. Idle clients are not disconnected.
func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithMaxClients caps simultaneous clients; 0 means unlimited.
func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) SetListenAddr(a string) { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// LastError returns the most recent error reported by any connection.
func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

func (s *Server) Stats() Stats {
	return Stats{
		Accepted:        s.accepted.Load(),
		HandshakeFailed: s.handshakeFailed.Load(),
		Rejected:        s.rejected.Load(),
		Disconnected:    s.disconnected.Load(),
	}
}

// Serve listens and accepts clients until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.report(ErrListen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", ln.Addr().String())
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			return s.report(ErrAccept, err)
		}
		s.accepted.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.admit(ctx, nc)
		}()
	}
}

// admit runs the hello exchange and, when the client is accepted, serves it
// until either side goes away.
func (s *Server) admit(ctx context.Context, nc net.Conn) {
	log := s.logger.With("conn_id", s.nextID.Add(1), "remote", nc.RemoteAddr().String())
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := wire.Handshake(ctx, nc, s.handshakeTimeout); err != nil {
		s.handshakeFailed.Add(1)
		log.Warn("handshake_failed", "error", s.report(ErrHandshake, err))
		_ = nc.Close()
		return
	}
	if s.maxClients > 0 && s.Hub != nil && s.Hub.Count() >= s.maxClients {
		s.rejected.Add(1)
		metrics.IncHubReject()
		log.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = nc.Close()
		return
	}

	c := s.newConn(nc, log)
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
	log.Info("client_connected")

	c.serve(ctx)

	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
	s.disconnected.Add(1)
	c.logSummary()
}

// Shutdown closes the listener and every client, then waits for their
// goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.connsMu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("server shutdown: %w", ctx.Err())
	case <-done:
		st := s.Stats()
		s.logger.Info("shutdown_summary", "accepted", st.Accepted, "handshake_failed", st.HandshakeFailed, "rejected", st.Rejected, "disconnected", st.Disconnected)
		return nil
	}
}
