package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/metrics"
	"github.com/kstaniek/go-jd-bridge/internal/server"
	"github.com/kstaniek/go-jd-bridge/internal/transport"
	"github.com/kstaniek/go-jd-bridge/internal/wire"
)

func main() {
	start := time.Now()
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("jd-bridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	rt := &bridge{cfg: cfg, hub: h, l: l, wg: &wg, fatal: make(chan error, 1)}
	if cfg.stdout {
		rt.out = newFramePrinter(os.Stdout, start)
	}
	lk, berr := initBackend(ctx, rt)
	if berr != nil {
		l.Error("backend_init_error", "error", berr)
		os.Exit(exitTransportFailure)
	}

	pump := transport.NewAsyncTx(ctx, lk.relay, lk.send, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrBackendTx)
			l.Warn("backend_tx_error", "error", err)
		},
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = lk.relay.Run(ctx, lk.deliver)
	}()

	if cfg.stdin {
		go func() {
			if err := readHexFrames(ctx, os.Stdin, lk.stdin, l); err != nil && !errors.Is(err, context.Canceled) {
				l.Warn("stdin_read_error", "error", err)
				return
			}
			l.Info("stdin_closed")
		}()
	}

	srv := server.NewServer(
		server.WithHub(h),
		server.WithCodec(&wire.Codec{}),
		server.WithSend(lk.tcp),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srv.SetListenAddr(cfg.listenAddr)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	// Start mDNS advertisement once listener is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		portNum := portOf(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	stopMQTT, err := startMQTT(ctx, cfg, h, l, &wg)
	if err != nil {
		l.Warn("mqtt_start_failed", "error", err)
		stopMQTT = func() {}
	}

	// Ready when server listener is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	exitCode := 0
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case err := <-rt.fatal:
		l.Error("transport_failure", "error", err)
		exitCode = exitTransportFailure
	}
	cancel()
	pump.Close()
	stopMQTT()
	lk.cleanup()
	wg.Wait()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
