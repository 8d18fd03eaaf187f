package spi

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/logging"
)

type fakePin struct{ v atomic.Bool }

func (p *fakePin) Read() (bool, error) { return p.v.Load(), nil }

type errPin struct{}

func (errPin) Read() (bool, error) { return false, errors.New("gpio gone") }

type fakeDev struct {
	mu      sync.Mutex
	fail    int
	calls   int
	txs     [][]byte
	windows [][]byte
}

func (d *fakeDev) Transfer(tx, rx []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail > 0 {
		d.fail--
		return errors.New("EIO")
	}
	d.txs = append(d.txs, append([]byte(nil), tx...))
	if len(d.windows) > 0 {
		copy(rx, d.windows[0])
		d.windows = d.windows[1:]
	} else {
		clear(rx)
	}
	return nil
}

func (d *fakeDev) sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.txs...)
}

type windowLog struct {
	mu     sync.Mutex
	ts     []time.Time
	frames []jd.Frame
}

func (w *windowLog) ReceiveWindow(ts time.Time, frames []jd.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ts = append(w.ts, ts)
	for _, f := range frames {
		w.frames = append(w.frames, f.Clone())
	}
}

func noSleep(t *testing.T) *int {
	t.Helper()
	var n int
	prev := sleepFn
	sleepFn = func(time.Duration) { n++ }
	t.Cleanup(func() { sleepFn = prev })
	return &n
}

func newBridge(dev Transferer, recv Receiver) (*Bridge, *fakePin, *fakePin) {
	txr, rxr := &fakePin{}, &fakePin{}
	return New(dev, txr, rxr, recv, WithLogger(logging.Discard())), txr, rxr
}

func TestQueueTxRejects(t *testing.T) {
	dev := &fakeDev{}
	b, _, _ := newBridge(dev, nil)
	require.True(t, errors.Is(b.QueueTx(make([]byte, 11)), jd.ErrShortFrame))

	f := mk(t, 1, 8)
	f[5] ^= 1
	require.True(t, errors.Is(b.QueueTx(f), jd.ErrBadCRC))

	require.True(t, errors.Is(b.QueueTx(make([]byte, XferSize)), jd.ErrFrameTooLarge))
	require.Equal(t, 0, b.Pending())
	require.Equal(t, 0, dev.calls)
}

func TestQueueTxTransfersWhenReady(t *testing.T) {
	dev := &fakeDev{}
	b, txr, _ := newBridge(dev, nil)
	txr.v.Store(true)
	a, c := mk(t, 1, 8), mk(t, 2, 4)

	require.NoError(t, b.QueueTx(a))
	require.NoError(t, b.QueueTx(c))
	sent := dev.sent()
	require.Len(t, sent, 2)
	require.Len(t, sent[0], XferSize)
	require.Equal(t, []byte(a), sent[0][:len(a)])
	require.Equal(t, []byte{0, 0, 0, 0}, sent[0][len(a):len(a)+4])
	require.Equal(t, 0, b.Pending())
}

func TestXferIdleWithoutReadyLines(t *testing.T) {
	dev := &fakeDev{}
	b, _, _ := newBridge(dev, nil)
	require.NoError(t, b.QueueTx(mk(t, 1, 4)))
	require.Equal(t, 0, dev.calls)
	require.Equal(t, 16, b.Pending())
}

func TestXferReceivesWindow(t *testing.T) {
	a, c := mk(t, 5, 4), mk(t, 6, 12)
	dev := &fakeDev{windows: [][]byte{window(a, c)}}
	log := &windowLog{}
	now := time.Unix(1000, 0)
	txr, rxr := &fakePin{}, &fakePin{}
	b := New(dev, txr, rxr, log, WithLogger(logging.Discard()), WithClock(func() time.Time { return now }))
	rxr.v.Store(true)

	require.NoError(t, b.Xfer())
	require.Equal(t, []jd.Frame{a, c}, log.frames)
	require.Equal(t, []time.Time{now}, log.ts)
	// Nothing queued: the host clocks out zeros.
	require.Equal(t, make([]byte, XferSize), dev.sent()[0])
}

func TestXferRetriesThenSucceeds(t *testing.T) {
	sleeps := noSleep(t)
	dev := &fakeDev{fail: 3}
	b, _, rxr := newBridge(dev, nil)
	rxr.v.Store(true)
	require.NoError(t, b.Xfer())
	require.Equal(t, 4, dev.calls)
	require.Equal(t, 3, *sleeps)
}

func TestXferFatalAfterMaxRetries(t *testing.T) {
	noSleep(t)
	dev := &fakeDev{fail: 100}
	b, _, rxr := newBridge(dev, nil)
	rxr.v.Store(true)
	err := b.Xfer()
	require.True(t, errors.Is(err, ErrTransferFailed))
	require.Equal(t, MaxRetries, dev.calls)
}

func TestXferPinErrorTreatedAsLow(t *testing.T) {
	dev := &fakeDev{}
	b := New(dev, errPin{}, errPin{}, nil, WithLogger(logging.Discard()))
	require.NoError(t, b.Xfer())
	require.Equal(t, 0, dev.calls)
}

func TestQueueTxBlocksUntilWindowDrains(t *testing.T) {
	dev := &fakeDev{}
	b, txr, _ := newBridge(dev, nil)
	big := mk(t, 1, jd.MaxDataSize) // 252 bytes
	require.NoError(t, b.QueueTx(big))
	require.Equal(t, 252, b.Pending())

	small := mk(t, 2, 4)
	done := make(chan error, 1)
	go func() { done <- b.QueueTx(small) }()

	select {
	case err := <-done:
		t.Fatalf("QueueTx returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	txr.v.Store(true)
	require.NoError(t, b.Xfer())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("QueueTx still blocked after transfer")
	}
	sent := dev.sent()
	require.Len(t, sent, 2)
	require.Equal(t, []byte(big), sent[0][:len(big)])
	require.Equal(t, []byte(small), sent[1][:len(small)])
}

func TestCloseReleasesBlockedWriters(t *testing.T) {
	b, _, _ := newBridge(&fakeDev{}, nil)
	require.NoError(t, b.QueueTx(mk(t, 1, jd.MaxDataSize)))
	small := mk(t, 2, 4)
	done := make(chan error, 1)
	go func() { done <- b.QueueTx(small) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())
	select {
	case err := <-done:
		require.True(t, errors.Is(err, ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatalf("writer not released")
	}
}

func TestRunTransfersOnEdges(t *testing.T) {
	a := mk(t, 9, 4)
	dev := &fakeDev{windows: [][]byte{make([]byte, XferSize), window(a)}}
	log := &windowLog{}
	b, _, rxr := newBridge(dev, log)
	rxr.v.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	edges := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, edges) }()
	edges <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for {
		log.mu.Lock()
		n := len(log.frames)
		log.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("edge did not trigger a transfer")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))
}
