package main

import (
	"log/slog"

	"github.com/kstaniek/go-jd-bridge/internal/hub"
)

// initHub builds the trace fan-out shared by TCP clients and the MQTT mirror.
// The policy was checked by validate; a bad value here falls back to drop.
func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	policy, err := hub.ParsePolicy(cfg.hubPolicy)
	if err != nil {
		l.Warn("unknown_hub_policy", "error", err, "used", policy.String())
	}
	h := hub.New(hub.WithLogger(l))
	h.OutBufSize = cfg.hubBuffer
	h.Policy = policy
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", policy.String(), "buffer", h.OutBufSize)
	return h
}
