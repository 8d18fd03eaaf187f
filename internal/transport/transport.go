package transport

import (
	"io"

	"github.com/kstaniek/go-jd-bridge/internal/chunk"
	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/relay"
	"github.com/kstaniek/go-jd-bridge/internal/spi"
	"github.com/kstaniek/go-jd-bridge/internal/wire"
	"github.com/kstaniek/go-jd-bridge/internal/xchg"
)

// FrameDecoder decodes a single frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (jd.Frame, error)
}

// MultiFrameDecoder optionally drains multiple frames from a stream.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(jd.Frame)) (int, error)
}

// FrameBatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type FrameBatchEncoder interface {
	Encode([]jd.Frame) []byte
	EncodeTo(w io.Writer, frames []jd.Frame) (int, error)
}

// FrameSink is a frame transmission target: the backend end of the pump.
type FrameSink interface {
	SendFrame(jd.Frame) error
}

// Compile-time assertions that the codecs and backends satisfy the
// capabilities the pump and the server rely on.
var (
	_ FrameDecoder      = (*wire.Codec)(nil)
	_ MultiFrameDecoder = (*wire.Codec)(nil)
	_ FrameBatchEncoder = (*wire.Codec)(nil)

	_ Source = (*relay.Relay)(nil)

	_ FrameSink = (*spi.Bridge)(nil)
	_ FrameSink = (*xchg.Host)(nil)
	_ FrameSink = (*chunk.Link)(nil)
)
