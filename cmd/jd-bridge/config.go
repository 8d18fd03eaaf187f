package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-jd-bridge/internal/chunk"
	"github.com/kstaniek/go-jd-bridge/internal/hub"
	"github.com/kstaniek/go-jd-bridge/internal/jd"
	"github.com/kstaniek/go-jd-bridge/internal/spi"
	"github.com/kstaniek/go-jd-bridge/internal/xchg"
)

type appConfig struct {
	configFile      string
	backend         string
	listenAddr      string
	queueSize       int
	stdin           bool
	stdout          bool
	spiDev          string
	spiSpeed        int
	spiReset        bool
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	chunkMTU        int
	shmPath         string
	shmPoll         time.Duration
	irqn            int
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	mqttURL         string
	mqttTimeout     time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	configFile := flag.String("config", "", "Optional TOML config file (flags and JD_BRIDGE_* env take precedence)")
	backend := flag.String("backend", "spi", "Bus backend: spi|serial|shm|shm-device")
	listen := flag.String("listen", ":20000", "TCP listen address for the frame stream")
	queueSize := flag.Int("queue-size", 10, "Relay receive/transmit queue depth (frames)")
	stdin := flag.Bool("stdin", true, "Read hex frames from stdin, one per line")
	stdout := flag.Bool("stdout", true, "Print received frames to stdout as '<ms> <hex>'")
	spiDev := flag.String("spi-dev", spi.DefaultDevice, "SPI device (when --backend=spi)")
	spiSpeed := flag.Int("spi-speed", spi.DefaultSpeedHz, "SPI clock in Hz")
	spiReset := flag.Bool("spi-reset", true, "Pulse the peripheral reset line at startup")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (when --backend=serial)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	chunkMTU := flag.Int("chunk-mtu", chunk.DefaultMTU, "Chunk size on the serial link (header included)")
	shmPath := flag.String("shm-path", "/dev/shm/jd-bridge", "Exchange region file (when --backend=shm|shm-device)")
	shmPoll := flag.Duration("shm-poll", xchg.DefaultPollInterval, "Exchange region poll interval")
	irqn := flag.Int("irqn", 0, "Interrupt number published in the exchange region (shm-device)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	hubBuf := flag.Int("hub-buffer", 512, "Per-client hub buffer (frames)")
	hubPolicy := flag.String("hub-policy", "drop", "Backpressure policy: drop|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Client handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default jd-bridge-<hostname>)")
	mqttURL := flag.String("mqtt-url", "", "Mirror frames to MQTT, e.g. mqtt://host:1883/prefix; empty disables")
	mqttTimeout := flag.Duration("mqtt-timeout", 5*time.Second, "MQTT connect/publish timeout")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env and file.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.configFile = *configFile
	cfg.backend = *backend
	cfg.listenAddr = *listen
	cfg.queueSize = *queueSize
	cfg.stdin = *stdin
	cfg.stdout = *stdout
	cfg.spiDev = *spiDev
	cfg.spiSpeed = *spiSpeed
	cfg.spiReset = *spiReset
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.chunkMTU = *chunkMTU
	cfg.shmPath = *shmPath
	cfg.shmPoll = *shmPoll
	cfg.irqn = *irqn
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.maxClients = *maxClients
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.mqttURL = *mqttURL
	cfg.mqttTimeout = *mqttTimeout

	if cfg.configFile == "" {
		cfg.configFile = strings.TrimSpace(os.Getenv("JD_BRIDGE_CONFIG"))
	}
	if cfg.configFile != "" {
		if err := applyConfigFile(cfg, cfg.configFile, setFlags); err != nil {
			fmt.Fprintf(os.Stderr, "config file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Fprintf(os.Stderr, "environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case backendSPI, backendSerial, backendShm, backendShmDevice:
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if _, err := hub.ParsePolicy(c.hubPolicy); err != nil {
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.queueSize <= 0 {
		return fmt.Errorf("queue-size must be > 0 (got %d)", c.queueSize)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.chunkMTU <= chunk.HeaderSize || c.chunkMTU > 254 {
		return fmt.Errorf("chunk-mtu must be in %d..254 (got %d)", chunk.HeaderSize+1, c.chunkMTU)
	}
	if chunk.NumChunks(jd.MaxFrameSize, c.chunkMTU) > chunk.MaxChunks {
		return fmt.Errorf("chunk-mtu %d too small for %d-byte frames", c.chunkMTU, jd.MaxFrameSize)
	}
	if c.spiSpeed <= 0 {
		return fmt.Errorf("spi-speed must be > 0 (got %d)", c.spiSpeed)
	}
	if c.shmPoll <= 0 {
		return fmt.Errorf("shm-poll must be > 0")
	}
	if c.irqn < 0 || c.irqn > 0xFE {
		return fmt.Errorf("irqn must be in 0..254 (got %d)", c.irqn)
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.mqttURL != "" && c.mqttTimeout <= 0 {
		return fmt.Errorf("mqtt-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps JD_BRIDGE_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(k string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", k, err)
		}
	}
	// lookup returns the trimmed value of k when flag is unset and k is non-empty.
	lookup := func(flagName, k string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, k string, dst *string) {
		if v, ok := lookup(flagName, k); ok {
			*dst = v
		}
	}
	num := func(flagName, k string, min int, dst *int) {
		if v, ok := lookup(flagName, k); ok {
			n, err := strconv.Atoi(v)
			if err == nil && n < min {
				err = fmt.Errorf("%d below %d", n, min)
			}
			if err != nil {
				fail(k, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flagName, k string, dst *time.Duration) {
		if v, ok := lookup(flagName, k); ok {
			d, err := time.ParseDuration(v)
			if err == nil && d < 0 {
				err = fmt.Errorf("negative duration %s", v)
			}
			if err != nil {
				fail(k, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flagName, k string, dst *bool) {
		if v, ok := lookup(flagName, k); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(k, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("backend", "JD_BRIDGE_BACKEND", &c.backend)
	str("listen", "JD_BRIDGE_LISTEN", &c.listenAddr)
	num("queue-size", "JD_BRIDGE_QUEUE_SIZE", 1, &c.queueSize)
	boolean("stdin", "JD_BRIDGE_STDIN", &c.stdin)
	boolean("stdout", "JD_BRIDGE_STDOUT", &c.stdout)
	str("spi-dev", "JD_BRIDGE_SPI_DEV", &c.spiDev)
	num("spi-speed", "JD_BRIDGE_SPI_SPEED", 1, &c.spiSpeed)
	boolean("spi-reset", "JD_BRIDGE_SPI_RESET", &c.spiReset)
	str("serial", "JD_BRIDGE_SERIAL", &c.serialDev)
	num("baud", "JD_BRIDGE_BAUD", 1, &c.baud)
	dur("serial-read-timeout", "JD_BRIDGE_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	num("chunk-mtu", "JD_BRIDGE_CHUNK_MTU", 1, &c.chunkMTU)
	str("shm-path", "JD_BRIDGE_SHM_PATH", &c.shmPath)
	dur("shm-poll", "JD_BRIDGE_SHM_POLL", &c.shmPoll)
	num("irqn", "JD_BRIDGE_IRQN", 0, &c.irqn)
	str("log-format", "JD_BRIDGE_LOG_FORMAT", &c.logFormat)
	str("log-level", "JD_BRIDGE_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		// An empty value explicitly disables the endpoint.
		if v, ok := os.LookupEnv("JD_BRIDGE_METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	num("hub-buffer", "JD_BRIDGE_HUB_BUFFER", 1, &c.hubBuffer)
	str("hub-policy", "JD_BRIDGE_HUB_POLICY", &c.hubPolicy)
	dur("log-metrics-interval", "JD_BRIDGE_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	num("max-clients", "JD_BRIDGE_MAX_CLIENTS", 0, &c.maxClients)
	dur("handshake-timeout", "JD_BRIDGE_HANDSHAKE_TIMEOUT", &c.handshakeTO)
	dur("client-read-timeout", "JD_BRIDGE_CLIENT_READ_TIMEOUT", &c.clientReadTO)
	boolean("mdns-enable", "JD_BRIDGE_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "JD_BRIDGE_MDNS_NAME", &c.mdnsName)
	str("mqtt-url", "JD_BRIDGE_MQTT_URL", &c.mqttURL)
	dur("mqtt-timeout", "JD_BRIDGE_MQTT_TIMEOUT", &c.mqttTimeout)
	return firstErr
}
