package chunk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

// Transmitter is the boundary to the physical chunk transport. TransmitChunk
// returns ErrBusy (possibly wrapped) when the transport cannot accept the
// chunk right now; the caller then retries the same chunk.
type Transmitter interface {
	TransmitChunk(chunk []byte) error
}

// TransmitFunc adapts a function to Transmitter.
type TransmitFunc func([]byte) error

func (fn TransmitFunc) TransmitChunk(c []byte) error { return fn(c) }

// sleepFn allows tests to intercept retry pauses.
var sleepFn = time.Sleep

// Sender segments frames and pushes the chunks through a Transmitter in order.
type Sender struct {
	tx         Transmitter
	mtu        int
	retryDelay time.Duration
}

// NewSender creates a Sender for the given transport and mtu (DefaultMTU when <= 0).
func NewSender(tx Transmitter, mtu int, retryDelay time.Duration) *Sender {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Sender{tx: tx, mtu: mtu, retryDelay: retryDelay}
}

// MTU returns the configured chunk size limit.
func (s *Sender) MTU() int { return s.mtu }

// Send transmits frame chunk by chunk. A busy transport makes Send retry the
// same chunk until it is accepted or ctx is done; any other transport error
// aborts the frame.
func (s *Sender) Send(ctx context.Context, frame []byte) error {
	chunks, err := Segment(frame, s.mtu)
	if err != nil {
		return err
	}
	for i, c := range chunks {
		for {
			err := s.tx.TransmitChunk(c)
			if err == nil {
				metrics.IncChunkTx()
				break
			}
			if !errors.Is(err, ErrBusy) {
				metrics.IncError(metrics.ErrChunkTx)
				return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
			}
			metrics.IncChunkBusy()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.retryDelay > 0 {
				sleepFn(s.retryDelay)
			}
		}
	}
	return nil
}
