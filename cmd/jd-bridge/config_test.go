package main

import (
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		backend:      backendSerial,
		listenAddr:   ":20000",
		queueSize:    10,
		spiDev:       "/dev/spidev0.0",
		spiSpeed:     16_000_000,
		serialDev:    "/dev/null",
		baud:         115200,
		serialReadTO: 10 * time.Millisecond,
		chunkMTU:     20,
		shmPath:      "/dev/shm/jd-bridge",
		shmPoll:      time.Millisecond,
		logFormat:    "text",
		logLevel:     "info",
		hubBuffer:    8,
		hubPolicy:    "drop",
		maxClients:   0,
		handshakeTO:  time.Second,
		clientReadTO: time.Second,
		mqttTimeout:  time.Second,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	for _, b := range []string{backendSPI, backendSerial, backendShm, backendShmDevice} {
		c := baseConfig()
		c.backend = b
		if err := c.validate(); err != nil {
			t.Fatalf("%s: expected ok got %v", b, err)
		}
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "usb" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badQueueSize", func(c *appConfig) { c.queueSize = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"mtuTooSmall", func(c *appConfig) { c.chunkMTU = 2 }},
		{"mtuTooLarge", func(c *appConfig) { c.chunkMTU = 255 }},
		{"mtuTooManyChunks", func(c *appConfig) { c.chunkMTU = 3 }},
		{"badSPISpeed", func(c *appConfig) { c.spiSpeed = 0 }},
		{"badShmPoll", func(c *appConfig) { c.shmPoll = 0 }},
		{"badIrqnLow", func(c *appConfig) { c.irqn = -1 }},
		{"badIrqnHigh", func(c *appConfig) { c.irqn = 255 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
		{"badMQTTTimeout", func(c *appConfig) { c.mqttURL = "mqtt://h:1883"; c.mqttTimeout = 0 }},
	}
	for _, tc := range tests {
		base := baseConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestConfigValidate_Nil(t *testing.T) {
	var c *appConfig
	if err := c.validate(); err == nil {
		t.Fatal("expected error for nil config")
	}
}
