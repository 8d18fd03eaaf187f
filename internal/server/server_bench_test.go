package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/hub"
	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/wire"
)

// mockSend is a no-op backend send function.
func mockSend(jd.Frame) error { return nil }

// startInMemoryServer launches the server on :0 for benchmarks.
func startInMemoryServer(b *testing.B, h *hub.Hub) (*Server, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(WithHub(h), WithCodec(&wire.Codec{}), WithSend(mockSend))
	srv.SetListenAddr("127.0.0.1:0")
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		b.Fatalf("server not ready")
	}
	return srv, cancel
}

func BenchmarkServerWriterFlush(b *testing.B) {
	h := hub.New()
	h.OutBufSize = 0
	srv, cancel := startInMemoryServer(b, h)
	defer cancel()
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		b.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := wire.Handshake(context.Background(), conn, time.Second); err != nil {
		b.Fatalf("handshake: %v", err)
	}

	// Add a client to hub (simulate broadcast direction)
	cl := hub.NewClient(1024)
	h.Add(cl)
	fr, err := jd.Make(1, 0, []byte{1, 2, 3, 4})
	if err != nil {
		b.Fatalf("make: %v", err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		select {
		case cl.Out <- fr:
		default:
		}
	}
	b.StopTimer()
	close(cl.Closed)
}
