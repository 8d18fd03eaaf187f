package serial

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/chunk"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

// maxStalls bounds zero-progress writes while finishing a started envelope.
const maxStalls = 100

// ChunkWriter puts enveloped chunks on a serial port. It implements
// chunk.Transmitter.
type ChunkWriter struct {
	mu    sync.Mutex
	port  Port
	codec Codec
}

func NewChunkWriter(p Port, codec Codec) *ChunkWriter {
	return &ChunkWriter{port: p, codec: codec}
}

// TransmitChunk writes one envelope. A write that accepts nothing reports
// chunk.ErrBusy so the sender retries; a partial write is completed here.
func (w *ChunkWriter) TransmitChunk(c []byte) error {
	buf := w.codec.Encode(c)
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.port.Write(buf)
	if err == nil && n == 0 {
		return chunk.ErrBusy
	}
	stalls := 0
	for err == nil && n < len(buf) {
		var m int
		m, err = w.port.Write(buf[n:])
		n += m
		if m == 0 && err == nil {
			if stalls++; stalls > maxStalls {
				err = io.ErrShortWrite
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	if err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}
