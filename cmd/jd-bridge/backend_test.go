package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/chunk"
	"github.com/kstaniek/go-jd-bridge/internal/hub"
	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/metrics"
	"github.com/kstaniek/go-jd-bridge/internal/serial"
)

// testLogger returns a no-op slog.Logger for tests.
func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// syncBuffer is a bytes.Buffer safe for one writer and one reader goroutine.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newTestBridge(cfg *appConfig, out io.Writer) (*bridge, *hub.Client) {
	if cfg.queueSize == 0 {
		cfg.queueSize = 8
	}
	rt := &bridge{cfg: cfg, hub: hub.New(), l: testLogger(), wg: &sync.WaitGroup{}, fatal: make(chan error, 1)}
	if out != nil {
		rt.out = newFramePrinter(out, time.Now())
	}
	c := hub.NewClient(16)
	rt.hub.Add(c)
	return rt, c
}

func recvFrame(t *testing.T, c *hub.Client, d time.Duration) jd.Frame {
	t.Helper()
	select {
	case f := <-c.Out:
		return f
	case <-time.After(d):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// fakeSerialPort implements serial.Port for tests.
type fakeSerialPort struct {
	mu     sync.Mutex
	reads  [][]byte
	idx    int
	writes bytes.Buffer
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.idx >= len(f.reads) {
		f.mu.Unlock()
		// after delivering all data, block briefly then return EOF repeatedly
		time.Sleep(10 * time.Millisecond)
		return 0, io.EOF
	}
	c := f.reads[f.idx]
	f.idx++
	f.mu.Unlock()
	return copy(p, c), nil
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes.Write(p)
}

func (f *fakeSerialPort) Close() error { return nil }

func (f *fakeSerialPort) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.writes.Bytes()...)
}

// envelopes segments f at mtu and wraps every chunk for the UART.
func envelopes(t *testing.T, f jd.Frame, mtu int) []byte {
	t.Helper()
	chunks, err := chunk.Segment(f, mtu)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	var out []byte
	for _, c := range chunks {
		out = append(out, serial.Codec{MTU: mtu}.Encode(c)...)
	}
	return out
}

// TestInitSerialBackendBasic validates that chunks presented via the serial RX
// loop are reassembled, traced to hub clients and printed.
func TestInitSerialBackendBasic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := mkFrame(t, 0x0102030405060708, []byte("hello, bus! 0123456789")...)
	wire := envelopes(t, f, chunk.DefaultMTU)
	// split the stream mid-envelope to exercise accumulation
	port := &fakeSerialPort{reads: [][]byte{{0x00, 0x13}, wire[:7], wire[7:]}}
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return port, nil }
	defer func() { openSerialPort = serial.Open }()

	var out syncBuffer
	cfg := &appConfig{backend: backendSerial, serialDev: "fake", baud: 115200, serialReadTO: 50 * time.Millisecond, chunkMTU: chunk.DefaultMTU}
	rt, c := newTestBridge(cfg, &out)
	before := metrics.Snap()
	lk, err := initBackend(ctx, rt)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer lk.cleanup()
	go func() { _ = lk.relay.Run(ctx, lk.deliver) }()

	got := recvFrame(t, c, time.Second)
	if !bytes.Equal(got, f) {
		t.Fatalf("unexpected frame %x want %x", got, f)
	}
	waitFor(t, time.Second, func() bool { return strings.Contains(out.String(), " "+hex.EncodeToString(f)+"\n") }, "frame not printed")
	snap := metrics.Snap()
	if snap.ChunksRx <= before.ChunksRx || snap.RelayRx <= before.RelayRx {
		t.Fatalf("expected chunk and relay rx counters to advance")
	}

	// transmit path: the frame goes out as enveloped chunks
	if err := lk.send(f); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	buf := bytes.NewBuffer(port.written())
	reasm := chunk.NewReassembler(testLogger())
	var sent []byte
	_ = serial.Codec{}.DecodeStream(buf, func(b []byte) {
		if raw, done := reasm.Push(b); done {
			sent = append([]byte(nil), raw...)
		}
	})
	if !bytes.Equal(sent, f) {
		t.Fatalf("unexpected wire frame %x want %x", sent, f)
	}
}

func TestSerialBackendTCPQueuesForTransmit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := &fakeSerialPort{}
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return port, nil }
	defer func() { openSerialPort = serial.Open }()

	cfg := &appConfig{backend: backendSerial, serialDev: "fake", baud: 115200, serialReadTO: 10 * time.Millisecond, chunkMTU: 64, queueSize: 2}
	rt, _ := newTestBridge(cfg, nil)
	lk, err := initBackend(ctx, rt)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer lk.cleanup()
	for i := 0; i < 2; i++ {
		if err := lk.tcp(mkFrame(t, uint64(i), 1)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := lk.tcp(mkFrame(t, 9, 1)); err == nil {
		t.Fatal("expected queue full once the transmit queue holds queue-size frames")
	}
	if lk.relay.TxLen() != 2 {
		t.Fatalf("expected 2 queued frames, got %d", lk.relay.TxLen())
	}
	bad := mkFrame(t, 1, 1)
	bad[0] ^= 0xFF
	if err := lk.stdin(bad); !errors.Is(err, jd.ErrBadCRC) {
		t.Fatalf("expected crc error from stdin path, got %v", err)
	}
}

// pathErrPort fails like a removed USB adapter.
type pathErrPort struct{}

func (pathErrPort) Read([]byte) (int, error) {
	return 0, &os.PathError{Op: "read", Path: "/dev/ttyUSB0", Err: os.ErrClosed}
}
func (pathErrPort) Write(p []byte) (int, error) { return len(p), nil }
func (pathErrPort) Close() error                { return nil }

func TestSerialBackendDeviceLossIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return pathErrPort{}, nil }
	defer func() { openSerialPort = serial.Open }()

	cfg := &appConfig{backend: backendSerial, serialDev: "fake", baud: 115200, serialReadTO: 10 * time.Millisecond, chunkMTU: chunk.DefaultMTU}
	rt, _ := newTestBridge(cfg, nil)
	lk, err := initBackend(ctx, rt)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer lk.cleanup()
	select {
	case err := <-rt.fatal:
		var perr *os.PathError
		if !errors.As(err, &perr) {
			t.Fatalf("expected path error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a fatal transport error")
	}
	rt.wg.Wait()
}

func TestInitSerialBackendOpenError(t *testing.T) {
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) {
		return nil, errors.New("no such device")
	}
	defer func() { openSerialPort = serial.Open }()
	rt, _ := newTestBridge(&appConfig{backend: backendSerial, chunkMTU: chunk.DefaultMTU}, nil)
	if _, err := initBackend(context.Background(), rt); err == nil {
		t.Fatal("expected open error")
	}
}

func TestInitBackendUnknown(t *testing.T) {
	rt, _ := newTestBridge(&appConfig{backend: "usb"}, nil)
	if _, err := initBackend(context.Background(), rt); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestBridgeFailDoesNotBlock(t *testing.T) {
	rt, _ := newTestBridge(&appConfig{}, nil)
	rt.fail(errors.New("first"))
	rt.fail(errors.New("second"))
	if err := <-rt.fatal; err.Error() != "first" {
		t.Fatalf("expected first error kept, got %v", err)
	}
}
