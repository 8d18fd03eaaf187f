package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-jd-bridge/internal/jd"
)

// Source hands out frames waiting for transmission. TxReady is signalled
// (coalescing) whenever new frames become available.
type Source interface {
	PullOutgoingFrame() (jd.Frame, bool)
	TxReady() <-chan struct{}
}

// AsyncTx is the transmit pump: a single goroutine that drains a Source and
// funnels every frame through one backend send function. Producers never
// block on the backend; they enqueue into the Source, which applies its own
// bound.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, src, sendFn, hooks)
//	...
//	a.Close()
//
// Hooks let each backend keep distinct metrics / logging without duplicating
// the goroutine plumbing.
type AsyncTx struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	src    Source
	send   func(jd.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrained is called when the source runs dry after at least one send.
	OnDrained func()
}

// NewAsyncTx starts pumping src into send until parent is cancelled or Close
// is called.
func NewAsyncTx(parent context.Context, src Source, send func(jd.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ctx:    ctx,
		cancel: cancel,
		src:    src,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		sent := false
		for a.ctx.Err() == nil {
			fr, ok := a.src.PullOutgoingFrame()
			if !ok {
				break
			}
			sent = true
			if err := a.send(fr); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		}
		if sent && a.hooks.OnDrained != nil {
			a.hooks.OnDrained()
		}
		select {
		case <-a.src.TxReady():
		case <-a.ctx.Done():
			return
		}
	}
}

// Close stops the pump and waits for the in-flight send to finish. Frames
// still queued in the source stay there.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.wg.Wait()
}
