package chunk

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-jd-bridge/internal/logging"
)

func seq(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 1)
	}
	return b
}

func TestSegment40BytesMTU20(t *testing.T) {
	frame := seq(40)
	chunks, err := Segment(frame, 20)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	require.Equal(t, byte(0x83), chunks[0][0])
	require.Equal(t, byte(0x03), chunks[1][0])
	require.Equal(t, byte(0x03), chunks[2][0])
	require.Equal(t, byte(2), chunks[0][1])
	require.Equal(t, byte(1), chunks[1][1])
	require.Equal(t, byte(0), chunks[2][1])

	require.Len(t, chunks[0], 20)
	require.Len(t, chunks[1], 20)
	require.Len(t, chunks[2], 2+4)

	var joined []byte
	for _, c := range chunks {
		joined = append(joined, c[HeaderSize:]...)
	}
	require.Equal(t, frame, joined)
}

func TestSegmentSingleChunk(t *testing.T) {
	chunks, err := Segment(seq(18), 20)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, byte(0x81), chunks[0][0])
	require.Equal(t, byte(0), chunks[0][1])
}

func TestSegmentErrors(t *testing.T) {
	_, err := Segment(nil, 20)
	require.True(t, errors.Is(err, ErrEmptyFrame))
	_, err = Segment(seq(4), 2)
	require.True(t, errors.Is(err, ErrBadMTU))
	_, err = Segment(seq(200), 3)
	require.True(t, errors.Is(err, ErrTooManyChunks))
}

func TestRoundTripAllSizes(t *testing.T) {
	for _, mtu := range []int{3, 8, 20, 64, 247} {
		for n := 1; n <= BufferSize; n++ {
			frame := seq(n)
			chunks, err := Segment(frame, mtu)
			if errors.Is(err, ErrTooManyChunks) {
				continue
			}
			require.NoError(t, err)
			r := NewReassembler(logging.Discard())
			var got []byte
			for i, c := range chunks {
				out, done := r.Push(c)
				if i < len(chunks)-1 {
					require.False(t, done, "mtu=%d n=%d chunk=%d", mtu, n, i)
					continue
				}
				require.True(t, done, "mtu=%d n=%d", mtu, n)
				got = out
			}
			if !bytes.Equal(frame, got) {
				t.Fatalf("mtu=%d n=%d: round trip mismatch", mtu, n)
			}
			st := r.Stats()
			require.Equal(t, uint64(0), st.OutOfOrder)
			require.Equal(t, uint64(0), st.Dropped)
		}
	}
}

func TestReassemblerNewestWins(t *testing.T) {
	a, err := Segment(seq(40), 20)
	require.NoError(t, err)
	b := bytes.Repeat([]byte{0xAB}, 30)
	bc, err := Segment(b, 20)
	require.NoError(t, err)

	r := NewReassembler(logging.Discard())
	_, done := r.Push(a[0])
	require.False(t, done)
	require.True(t, r.InProgress())

	var got []byte
	for _, c := range bc {
		if out, ok := r.Push(c); ok {
			got = out
		}
	}
	require.Equal(t, b, got)
	require.Equal(t, uint64(1), r.Stats().Dropped)
	require.False(t, r.InProgress())
}

func TestReassemblerOutOfOrderCopiedBestEffort(t *testing.T) {
	chunks, err := Segment(seq(40), 20)
	require.NoError(t, err)
	r := NewReassembler(logging.Discard())
	_, done := r.Push(chunks[0])
	require.False(t, done)
	_, done = r.Push(chunks[2])
	require.False(t, done)
	out, done := r.Push(chunks[1])
	require.True(t, done)
	require.Len(t, out, 18+4+18)
	require.Equal(t, uint64(2), r.Stats().OutOfOrder)
}

func TestReassemblerCountdownFloor(t *testing.T) {
	r := NewReassembler(logging.Discard())
	// Continuation chunk with no frame in progress completes immediately.
	out, done := r.Push([]byte{0x02, 0x00, 1, 2, 3, 4})
	require.True(t, done)
	require.Equal(t, []byte{1, 2, 3, 4}, out)
}

func TestReassemblerMalformedAndOverrun(t *testing.T) {
	r := NewReassembler(logging.Discard())
	_, done := r.Push([]byte{0x81})
	require.False(t, done)
	require.Equal(t, uint64(1), r.Stats().Malformed)

	big := make([]byte, HeaderSize+200)
	big[0] = 0x82
	big[1] = 1
	_, done = r.Push(big)
	require.False(t, done)
	big[0] = 0x02
	big[1] = 0
	_, done = r.Push(big)
	require.False(t, done)
	require.Equal(t, uint64(1), r.Stats().Dropped)
	require.False(t, r.InProgress())
}

func TestNumChunks(t *testing.T) {
	require.Equal(t, 3, NumChunks(40, 20))
	require.Equal(t, 1, NumChunks(18, 20))
	require.Equal(t, 2, NumChunks(19, 20))
	require.Equal(t, 0, NumChunks(0, 20))
	require.Equal(t, 0, NumChunks(10, 2))
}

func FuzzReassembler(f *testing.F) {
	f.Add([]byte{0x83, 2, 1, 2}, []byte{0x03, 1, 3}, []byte{0x03, 0, 4})
	f.Add([]byte{}, []byte{0x81}, []byte{0xFF, 0xFF})
	f.Fuzz(func(t *testing.T, a, b, c []byte) {
		r := NewReassembler(logging.Discard())
		for _, in := range [][]byte{a, b, c} {
			if out, ok := r.Push(in); ok && len(out) > BufferSize {
				t.Fatalf("frame exceeds buffer: %d", len(out))
			}
		}
	})
}
