package serial

import (
	"bytes"

	"github.com/kstaniek/go-jd-bridge/internal/chunk"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

const (
	pre0 = 0x2D
	pre1 = 0xD4
)

// Codec frames chunks on a UART: [0x2D, 0xD4, len+1, chunk..., checksum].
// MTU bounds the accepted chunk length (chunk.DefaultMTU when zero).
type Codec struct {
	MTU int
}

func (c Codec) mtu() int {
	if c.MTU <= 0 {
		return chunk.DefaultMTU
	}
	return c.MTU
}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	// If unread < 25% of capacity, compact.
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// Encode wraps one chunk in the UART envelope.
// checksum = (len+1) + 0x2D + sum(data) (mod 256)
func (Codec) Encode(data []byte) []byte {
	n := len(data)
	frame := make([]byte, n+4)

	frame[0] = pre0
	frame[1] = pre1
	frame[2] = byte(n + 1)

	sum := frame[2] + pre0
	for i, b := range data {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// DecodeStream consumes complete envelopes from in and emits their chunks
// via out. The slice passed to out is only valid during the call.
// Garbage, bad lengths and checksum mismatches are skipped one byte at a time
// until the stream realigns on a preamble.
func (c Codec) DecodeStream(in *bytes.Buffer, out func([]byte)) error {
	// ln = chunk bytes + 1 checksum; a chunk carries its 2-byte header and
	// at least one data byte.
	minLn := chunk.HeaderSize + 2
	maxLn := c.mtu() + 1
	header := []byte{pre0, pre1}

	for {
		data := in.Bytes()
		_ = CompactBuffer(in)
		if len(data) < 3 {
			return nil
		}

		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case next buffer starts with preamble second byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		if len(data) < 4 {
			return nil
		}
		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		req := 3 + ln // 2 preamble + 1 len + ln
		if len(data) < req {
			return nil
		}

		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		out(data[3 : req-1])
		in.Next(req)
	}
}
