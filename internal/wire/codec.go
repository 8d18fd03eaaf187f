// Package wire is the TCP stream encoding of frames. Frames are
// self-delimiting: a 12-byte header whose size byte gives the data length,
// followed by the data.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

// Codec encodes/decodes frame streams. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a header declares a size outside
// 4..240 or not a multiple of 4. The stream cannot be resynchronized.
var ErrInvalidLength = errors.New("wire: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("wire: truncated frame")

// Encode concatenates frames into a single buffer.
func (c *Codec) Encode(frames []jd.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * jd.MaxFrameSize / 4)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
// Each frame is written trimmed to its declared length.
func (c *Codec) EncodeTo(w io.Writer, frames []jd.Frame) (int, error) {
	var total int
	for _, f := range frames {
		if len(f) < jd.HeaderSize || f.Len() > len(f) {
			return total, fmt.Errorf("wire encode: %w", jd.ErrShortFrame)
		}
		n, err := w.Write(f[:f.Len()])
		total += n
		if err != nil {
			return total, fmt.Errorf("wire encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
// A frame with a bad CRC is consumed and reported with jd.ErrBadCRC, so the
// stream stays aligned.
func (c *Codec) Decode(r io.Reader) (jd.Frame, error) {
	var hdr [jd.HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		metrics.IncMalformed()
		return nil, fmt.Errorf("wire decode header: %w", ErrTruncatedFrame)
	}
	size := int(hdr[2])
	if size < jd.MinDataSize || size > jd.MaxDataSize || size%4 != 0 {
		metrics.IncMalformed()
		return nil, fmt.Errorf("wire decode: %w (%d)", ErrInvalidLength, size)
	}
	f := make(jd.Frame, jd.HeaderSize+size)
	copy(f, hdr[:])
	if _, err := io.ReadFull(r, f[jd.HeaderSize:]); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("wire decode payload: %w", ErrTruncatedFrame)
		}
		return nil, fmt.Errorf("wire decode payload: %w", err)
	}
	if err := f.Validate(); err != nil {
		metrics.IncCRCError()
		return nil, fmt.Errorf("wire decode: %w", err)
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(jd.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
