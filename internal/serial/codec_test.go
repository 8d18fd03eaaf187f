package serial

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-jd-bridge/internal/chunk"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
)

func TestSerialCodec_RoundTrip_Chunked(t *testing.T) {
	codec := Codec{}

	want := [][]byte{
		{0x82, 0x01, 0x34, 0x7B, 0x70, 0xD7, 0x94, 0x10, 0x0D, 0xF7},
		{0x00, 0x00, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6},
		{0x81, 0x00, 0x9A},
		make([]byte, chunk.DefaultMTU),
	}

	// Continuous RX stream with some leading garbage.
	stream := []byte{0xFF, 0x2D, 0x00}
	for _, c := range want {
		stream = append(stream, codec.Encode(c)...)
	}

	var buf bytes.Buffer
	got := make([][]byte, 0, len(want))

	// Feed in irregular small pieces to stress preamble alignment & partials.
	sizes := []int{1, 2, 3, 4, 5, 7, 11}
	cs := 0
	for pos := 0; pos < len(stream); {
		n := sizes[cs%len(sizes)]
		cs++
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		buf.Write(stream[pos : pos+n])
		pos += n

		if err := codec.DecodeStream(&buf, func(c []byte) {
			got = append(got, append([]byte(nil), c...))
		}); err != nil {
			t.Fatalf("DecodeStream error: %v", err)
		}
	}

	if len(got) != len(want) {
		t.Fatalf("decoded %d chunks, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("chunk %d mismatch\n got  % X\n want % X", i, got[i], want[i])
		}
	}
}

func TestEncodeEnvelope(t *testing.T) {
	got := Codec{}.Encode([]byte{0x81, 0x00, 0x01})
	// 0x2D + 4 + 0x81 + 0x00 + 0x01 = 0xB3
	want := []byte{0x2D, 0xD4, 0x04, 0x81, 0x00, 0x01, 0xB3}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % X want % X", got, want)
	}
}

// TestDecodeStreamMalformed ensures bad checksum and length increment the metric.
func TestDecodeStreamMalformed(t *testing.T) {
	codec := Codec{MTU: 8}
	cases := map[string][]byte{
		"checksum": func() []byte {
			b := codec.Encode([]byte{0x81, 0x00, 0xAA})
			b[len(b)-1] ^= 0xFF
			return b
		}(),
		"too long":  codec.Encode(make([]byte, 9)),
		"too short": {0x2D, 0xD4, 0x02, 0x81, 0x00},
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			before := metrics.Snap().Malformed
			buf.Write(frame)
			n := 0
			if err := codec.DecodeStream(&buf, func([]byte) { n++ }); err != nil {
				t.Fatalf("DecodeStream error: %v", err)
			}
			if n != 0 {
				t.Fatalf("malformed envelope decoded as %d chunks", n)
			}
			if after := metrics.Snap().Malformed; after <= before {
				t.Fatalf("expected malformed metric increment, before=%d after=%d", before, after)
			}
		})
	}
}

func TestDecodeStreamResyncAfterCorruption(t *testing.T) {
	codec := Codec{}
	bad := codec.Encode([]byte{0x81, 0x00, 1, 2})
	bad[4] ^= 0x55
	good := codec.Encode([]byte{0x81, 0x00, 3, 4})
	var buf bytes.Buffer
	buf.Write(bad)
	buf.Write(good)
	var got [][]byte
	if err := codec.DecodeStream(&buf, func(c []byte) { got = append(got, append([]byte(nil), c...)) }); err != nil {
		t.Fatalf("DecodeStream error: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0], []byte{0x81, 0x00, 3, 4}) {
		t.Fatalf("expected only the good chunk, got % X", got)
	}
}

func TestCompactBuffer(t *testing.T) {
	var small bytes.Buffer
	small.Write(make([]byte, 100))
	if CompactBuffer(&small) {
		t.Fatalf("small buffers are left alone")
	}

	var b bytes.Buffer
	b.Grow(16384)
	payload := bytes.Repeat([]byte{0xA5}, 2000)
	b.Write(payload)
	if !CompactBuffer(&b) {
		t.Fatalf("expected compaction")
	}
	if !bytes.Equal(b.Bytes(), payload) {
		t.Fatalf("compaction lost data: %d bytes", b.Len())
	}
}
