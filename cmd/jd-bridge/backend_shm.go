package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/relay"
	"github.com/kstaniek/go-jd-bridge/internal/xchg"
)

// openRegion is a hook for tests (overridden in unit tests).
var openRegion = func(path string, create bool) (xchg.Memory, func() error, error) {
	m, err := xchg.OpenMapped(path, create)
	if err != nil {
		return nil, nil, err
	}
	return m, m.Close, nil
}

// attachHost retries Attach until the device has initialized the region. A
// region that is initialized but no longer armed needs a peripheral reset and
// is returned as an error.
func attachHost(ctx context.Context, h *xchg.Host, every time.Duration, rt *bridge) error {
	warned := false
	for {
		irqn, err := h.Attach()
		if err == nil {
			rt.l.Info("shm_attached", "irqn", irqn)
			return nil
		}
		if !errors.Is(err, xchg.ErrBadMagic) {
			return err
		}
		if !warned {
			rt.l.Warn("shm_waiting_for_device", "error", err)
			warned = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(every):
		}
	}
}

// initShmHostBackend attaches to a region published by a peripheral (or the
// shm-device emulator) and exchanges frames through its two windows.
func initShmHostBackend(ctx context.Context, rt *bridge) (*link, error) {
	cfg := rt.cfg
	mem, closeMem, err := openRegion(cfg.shmPath, false)
	if err != nil {
		return nil, fmt.Errorf("open region: %w", err)
	}
	l := rt.l
	l.Info("shm_open", "path", cfg.shmPath, "role", "host")
	r := rt.newRelay(rt.hub)
	h := xchg.NewHost(mem, xchg.NopInterrupter{}, r,
		xchg.WithHostLogger(l),
		xchg.WithPollInterval(cfg.shmPoll),
		xchg.WithSendQueue(cfg.queueSize),
	)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer l.Info("shm_rx_end")
		if err := attachHost(runCtx, h, 100*time.Millisecond, rt); err != nil {
			if runCtx.Err() == nil {
				rt.fail(fmt.Errorf("shm attach: %w", err))
			}
			return
		}
		if err := h.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			l.Error("shm_poll_failed", "error", err)
			rt.fail(err)
		}
	}()
	return &link{
		relay:   r,
		send:    h.SendFrame,
		stdin:   r.PushFrame,
		tcp:     r.PushFrame,
		deliver: rt.printFrame,
		cleanup: func() { cancel(); <-done; _ = closeMem() },
	}, nil
}

// initShmDeviceBackend emulates the peripheral: it creates and initializes
// the region, traces bus frames to the host and relays host frames onto the
// bus. TCP clients form the bus.
func initShmDeviceBackend(ctx context.Context, rt *bridge) (*link, error) {
	cfg := rt.cfg
	mem, closeMem, err := openRegion(cfg.shmPath, true)
	if err != nil {
		return nil, fmt.Errorf("open region: %w", err)
	}
	l := rt.l
	var r *relay.Relay
	d := xchg.NewDevice(mem, jd.HandlerFunc(func(f jd.Frame) error { return r.HandleExternal(f) }),
		xchg.WithDeviceLogger(l),
	)
	r = rt.newRelay(d)
	if err := d.Init(byte(cfg.irqn)); err != nil {
		_ = closeMem()
		return nil, fmt.Errorf("init region: %w", err)
	}
	l.Info("shm_open", "path", cfg.shmPath, "role", "device", "irqn", cfg.irqn)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(runCtx, cfg.shmPoll)
	}()
	toBus := func(f jd.Frame) error {
		rt.hub.LogFrame(f)
		return nil
	}
	return &link{
		relay:   r,
		send:    toBus,
		stdin:   r.HandleFrame,
		tcp:     r.HandleFrame,
		deliver: rt.printFrame,
		cleanup: func() { cancel(); <-done; _ = closeMem() },
	}, nil
}
