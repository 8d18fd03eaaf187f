package server

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrBackendTx = errors.New("backend_tx")
)

// errorLabels maps each sentinel to its errors_total label.
var errorLabels = map[error]string{
	ErrListen:    metrics.ErrTCPRead,
	ErrAccept:    metrics.ErrTCPRead,
	ErrHandshake: metrics.ErrHandshake,
	ErrConnRead:  metrics.ErrTCPRead,
	ErrConnWrite: metrics.ErrTCPWrite,
	ErrBackendTx: metrics.ErrBackendTx,
}

// report wraps err with kind, counts it and records it as the last error.
func (s *Server) report(kind, err error) error {
	wrap := fmt.Errorf("%w: %w", kind, err)
	metrics.IncError(errorLabels[kind])
	s.lastErrMu.Lock()
	s.lastErr = wrap
	s.lastErrMu.Unlock()
	return wrap
}
