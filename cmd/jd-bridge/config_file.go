package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig is the TOML form of appConfig. Keys mirror the flag names with
// underscores.
type fileConfig struct {
	Backend            string   `toml:"backend"`
	Listen             string   `toml:"listen"`
	QueueSize          int      `toml:"queue_size"`
	Stdin              bool     `toml:"stdin"`
	Stdout             bool     `toml:"stdout"`
	SPIDev             string   `toml:"spi_dev"`
	SPISpeed           int      `toml:"spi_speed"`
	SPIReset           bool     `toml:"spi_reset"`
	Serial             string   `toml:"serial"`
	Baud               int      `toml:"baud"`
	SerialReadTimeout  duration `toml:"serial_read_timeout"`
	ChunkMTU           int      `toml:"chunk_mtu"`
	ShmPath            string   `toml:"shm_path"`
	ShmPoll            duration `toml:"shm_poll"`
	Irqn               int      `toml:"irqn"`
	LogFormat          string   `toml:"log_format"`
	LogLevel           string   `toml:"log_level"`
	MetricsAddr        string   `toml:"metrics_addr"`
	HubBuffer          int      `toml:"hub_buffer"`
	HubPolicy          string   `toml:"hub_policy"`
	LogMetricsInterval duration `toml:"log_metrics_interval"`
	MaxClients         int      `toml:"max_clients"`
	HandshakeTimeout   duration `toml:"handshake_timeout"`
	ClientReadTimeout  duration `toml:"client_read_timeout"`
	MDNSEnable         bool     `toml:"mdns_enable"`
	MDNSName           string   `toml:"mdns_name"`
	MQTTURL            string   `toml:"mqtt_url"`
	MQTTTimeout        duration `toml:"mqtt_timeout"`
}

// duration decodes TOML strings such as "50ms".
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// applyConfigFile overlays keys defined in the TOML file at path onto c,
// skipping those whose flag was set explicitly.
func applyConfigFile(c *appConfig, path string, set map[string]struct{}) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load %s: unknown key %q", path, undecoded[0].String())
	}
	use := func(key string) bool {
		if !meta.IsDefined(key) {
			return false
		}
		_, flagSet := set[strings.ReplaceAll(key, "_", "-")]
		return !flagSet
	}
	if use("backend") {
		c.backend = strings.TrimSpace(raw.Backend)
	}
	if use("listen") {
		c.listenAddr = strings.TrimSpace(raw.Listen)
	}
	if use("queue_size") {
		c.queueSize = raw.QueueSize
	}
	if use("stdin") {
		c.stdin = raw.Stdin
	}
	if use("stdout") {
		c.stdout = raw.Stdout
	}
	if use("spi_dev") {
		c.spiDev = strings.TrimSpace(raw.SPIDev)
	}
	if use("spi_speed") {
		c.spiSpeed = raw.SPISpeed
	}
	if use("spi_reset") {
		c.spiReset = raw.SPIReset
	}
	if use("serial") {
		c.serialDev = strings.TrimSpace(raw.Serial)
	}
	if use("baud") {
		c.baud = raw.Baud
	}
	if use("serial_read_timeout") {
		c.serialReadTO = raw.SerialReadTimeout.Duration
	}
	if use("chunk_mtu") {
		c.chunkMTU = raw.ChunkMTU
	}
	if use("shm_path") {
		c.shmPath = strings.TrimSpace(raw.ShmPath)
	}
	if use("shm_poll") {
		c.shmPoll = raw.ShmPoll.Duration
	}
	if use("irqn") {
		c.irqn = raw.Irqn
	}
	if use("log_format") {
		c.logFormat = strings.TrimSpace(raw.LogFormat)
	}
	if use("log_level") {
		c.logLevel = strings.TrimSpace(raw.LogLevel)
	}
	if use("metrics_addr") {
		c.metricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if use("hub_buffer") {
		c.hubBuffer = raw.HubBuffer
	}
	if use("hub_policy") {
		c.hubPolicy = strings.TrimSpace(raw.HubPolicy)
	}
	if use("log_metrics_interval") {
		c.logMetricsEvery = raw.LogMetricsInterval.Duration
	}
	if use("max_clients") {
		c.maxClients = raw.MaxClients
	}
	if use("handshake_timeout") {
		c.handshakeTO = raw.HandshakeTimeout.Duration
	}
	if use("client_read_timeout") {
		c.clientReadTO = raw.ClientReadTimeout.Duration
	}
	if use("mdns_enable") {
		c.mdnsEnable = raw.MDNSEnable
	}
	if use("mdns_name") {
		c.mdnsName = strings.TrimSpace(raw.MDNSName)
	}
	if use("mqtt_url") {
		c.mqttURL = strings.TrimSpace(raw.MQTTURL)
	}
	if use("mqtt_timeout") {
		c.mqttTimeout = raw.MQTTTimeout.Duration
	}
	return nil
}
