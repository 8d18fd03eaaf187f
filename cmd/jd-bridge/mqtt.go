package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-jd-bridge/internal/hub"
	"github.com/kstaniek/go-jd-bridge/internal/mqttsink"
)

// startMQTT mirrors the hub stream to a broker. It returns a cleanup that
// detaches the hub client and disconnects.
func startMQTT(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	if cfg.mqttURL == "" {
		return func() {}, nil
	}
	c, prefix, err := mqttsink.Connect(cfg.mqttURL, cfg.mqttTimeout, l)
	if err != nil {
		return nil, err
	}
	s := mqttsink.New(c, prefix,
		mqttsink.WithPublishTimeout(cfg.mqttTimeout),
		mqttsink.WithLogger(l),
	)
	cl := hub.NewClient(cfg.hubBuffer)
	h.Add(cl)
	l.Info("mqtt_started", "topic", s.Topic())
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.Run(ctx, cl); err != nil && !errors.Is(err, context.Canceled) {
			l.Warn("mqtt_sink_end", "error", err)
		}
	}()
	return func() {
		h.Remove(cl)
		c.Disconnect(250)
	}, nil
}
