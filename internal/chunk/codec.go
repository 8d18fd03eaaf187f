// Package chunk carries frames over transports limited to a small MTU
// (BLE characteristics, UART chunk envelopes).
//
// Chunk layout: count(1) | order(1) | payload(0..mtu-2)
//
// count is the total number of chunks of the frame, with FirstChunkFlag set
// on the first chunk. order counts the chunks still to come after this one,
// reaching 0 on the last chunk.
package chunk

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-jd-bridge/internal/logging"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

const (
	HeaderSize     = 2
	FirstChunkFlag = 0x80
	DefaultMTU     = 20
	MaxChunks      = 0x7F
	// BufferSize is the reassembly buffer capacity.
	BufferSize = 254
)

var (
	ErrEmptyFrame    = errors.New("chunk: empty frame")
	ErrBadMTU        = errors.New("chunk: mtu too small")
	ErrTooManyChunks = errors.New("chunk: frame needs too many chunks")
	ErrBusy          = errors.New("chunk: transport busy")
	ErrNotConnected  = errors.New("chunk: transport not connected")
)

// NumChunks returns how many chunks a frame of n bytes needs at the given mtu.
func NumChunks(n, mtu int) int {
	per := mtu - HeaderSize
	if per <= 0 || n <= 0 {
		return 0
	}
	return (n + per - 1) / per
}

// Segment splits frame into chunks of at most mtu bytes.
func Segment(frame []byte, mtu int) ([][]byte, error) {
	per := mtu - HeaderSize
	if per <= 0 {
		return nil, fmt.Errorf("%w (%d)", ErrBadMTU, mtu)
	}
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	total := NumChunks(len(frame), mtu)
	if total > MaxChunks {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyChunks, total)
	}
	out := make([][]byte, 0, total)
	remaining := total - 1
	for sent := 0; sent < len(frame); {
		n := min(per, len(frame)-sent)
		c := make([]byte, HeaderSize+n)
		c[0] = byte(total & MaxChunks)
		if sent == 0 {
			c[0] |= FirstChunkFlag
		}
		c[1] = byte(remaining)
		copy(c[HeaderSize:], frame[sent:sent+n])
		out = append(out, c)
		sent += n
		if remaining > 0 {
			remaining--
		}
	}
	return out, nil
}

// ReassemblyStats counts anomalies seen by a Reassembler.
type ReassemblyStats struct {
	Chunks     uint64
	Frames     uint64
	Dropped    uint64 // partial frames discarded by a newer first chunk or overrun
	OutOfOrder uint64
	Malformed  uint64
}

// Reassembler rebuilds frames from chunks. It is not safe for concurrent use;
// Link serializes access.
type Reassembler struct {
	buf    [BufferSize]byte
	pos    int
	expect int
	stats  ReassemblyStats
	logger *slog.Logger
}

// NewReassembler returns an idle Reassembler logging diagnostics to l
// (global logger when nil).
func NewReassembler(l *slog.Logger) *Reassembler {
	if l == nil {
		l = logging.L()
	}
	return &Reassembler{logger: l}
}

// Stats returns a copy of the anomaly counters.
func (r *Reassembler) Stats() ReassemblyStats { return r.stats }

// InProgress reports whether a partial frame is buffered.
func (r *Reassembler) InProgress() bool { return r.pos > 0 }

// Push feeds one chunk. When the countdown reaches zero it returns a copy of
// the assembled bytes and true, and the buffer is reset for the next frame.
//
// A first chunk always restarts reassembly; an unfinished frame is dropped
// (newest wins). A chunk whose order byte disagrees with the expected
// countdown is still copied so the link keeps making progress; the CRC check
// downstream decides whether the result is usable.
func (r *Reassembler) Push(chunk []byte) ([]byte, bool) {
	if r.logger == nil {
		r.logger = logging.L()
	}
	r.stats.Chunks++
	if len(chunk) < HeaderSize {
		r.stats.Malformed++
		metrics.IncMalformed()
		r.logger.Warn("chunk_malformed", "len", len(chunk))
		return nil, false
	}
	count, order := chunk[0], int(chunk[1])
	if count&FirstChunkFlag != 0 {
		if r.pos > 0 {
			r.stats.Dropped++
			metrics.IncReassemblyDrop()
			r.logger.Warn("chunk_partial_dropped", "buffered", r.pos, "expect", r.expect)
		}
		r.pos = 0
		r.expect = int(count & MaxChunks)
	}
	if r.expect > 0 {
		r.expect--
	}
	if order != r.expect {
		r.stats.OutOfOrder++
		metrics.IncChunkOutOfOrder()
		r.logger.Warn("chunk_out_of_order", "order", order, "expect", r.expect)
	}

	payload := chunk[HeaderSize:]
	if r.pos+len(payload) > len(r.buf) {
		r.stats.Dropped++
		metrics.IncReassemblyDrop()
		r.logger.Warn("chunk_reassembly_overrun", "buffered", r.pos, "payload", len(payload))
		r.pos, r.expect = 0, 0
		return nil, false
	}
	r.pos += copy(r.buf[r.pos:], payload)

	if r.expect != 0 {
		return nil, false
	}
	n := r.pos
	r.pos = 0
	if n == 0 {
		return nil, false
	}
	r.stats.Frames++
	out := make([]byte, n)
	copy(out, r.buf[:n])
	return out, true
}
