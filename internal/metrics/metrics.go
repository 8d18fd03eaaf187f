package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-jd-bridge/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	RelayRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rx_frames_total",
		Help: "Total frames accepted from a transport into the receive queue.",
	})
	RelayTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_tx_frames_total",
		Help: "Total frames queued for transmission on a transport.",
	})
	QueueDroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_dropped_frames_total",
		Help: "Frames dropped at the producer because a bounded queue was full.",
	}, []string{"queue"})
	CRCErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frame_crc_errors_total",
		Help: "Frames discarded because their CRC16 did not match.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad size, truncated, bad envelope).",
	})
	ChunksRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunks_rx_total",
		Help: "Chunks received on chunked links.",
	})
	ChunksTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunks_tx_total",
		Help: "Chunks accepted by chunked link transports.",
	})
	ChunkBusyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunk_busy_retries_total",
		Help: "Chunk transmissions retried because the transport was busy.",
	})
	ChunkOutOfOrder = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunk_out_of_order_total",
		Help: "Chunks whose order byte did not match the expected countdown.",
	})
	ReassemblyDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reassembly_dropped_total",
		Help: "Partially reassembled frames discarded by a newer first chunk or overrun.",
	})
	SPITransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spi_transfers_total",
		Help: "Completed SPI duplex transfer windows.",
	})
	SPIRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spi_transfer_retries_total",
		Help: "SPI transfer attempts that failed at the ioctl layer and were retried.",
	})
	SPIWindowOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spi_window_overruns_total",
		Help: "Receive windows whose declared frame size overran the window.",
	})
	XchgOutFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xchg_out_frames_total",
		Help: "Frames written into a shared-memory exchange slot.",
	})
	XchgInFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xchg_in_frames_total",
		Help: "Frames consumed from a shared-memory exchange slot.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total frames sent to TCP clients.",
	})
	MQTTPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_published_frames_total",
		Help: "Frames mirrored to the MQTT broker.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead     = "tcp_read"
	ErrTCPWrite    = "tcp_write"
	ErrHandshake   = "handshake"
	ErrSerialWrite = "serial_write"
	ErrSerialRead  = "serial_read"
	ErrSPITransfer = "spi_transfer"
	ErrBackendTx   = "backend_tx"
	ErrMQTTPublish = "mqtt_publish"
	ErrXchgPoll    = "xchg_poll"
	ErrStdinReject = "stdin_reject"
	ErrChunkTx     = "chunk_tx"
	ErrGPIO        = "gpio"
)

// Queue label constants for QueueDroppedFrames.
const (
	QueueRx  = "rx"
	QueueTx  = "tx"
	QueueLog = "log"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRelayRx    uint64
	localRelayTx    uint64
	localQueueDrop  uint64
	localCRC        uint64
	localMalformed  uint64
	localChunkRx    uint64
	localChunkTx    uint64
	localChunkBusy  uint64
	localChunkOOO   uint64
	localReasmDrop  uint64
	localSPIXfer    uint64
	localSPIRetry   uint64
	localSPIOverrun uint64
	localXchgOut    uint64
	localXchgIn     uint64
	localTCPRx      uint64
	localTCPTx      uint64
	localMQTT       uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localErrors     uint64
	localHubClients uint64
	localFanout     uint64
	localQDMax      uint64
	localQDAvg      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RelayRx         uint64
	RelayTx         uint64
	QueueDrops      uint64 // sum across queue labels
	CRCErrors       uint64
	Malformed       uint64
	ChunksRx        uint64
	ChunksTx        uint64
	ChunkBusy       uint64
	ChunkOutOfOrder uint64
	ReassemblyDrops uint64
	SPITransfers    uint64
	SPIRetries      uint64
	SPIOverruns     uint64
	XchgOut         uint64
	XchgIn          uint64
	TCPRx           uint64
	TCPTx           uint64
	MQTTPublished   uint64
	HubDrops        uint64
	HubKicks        uint64
	HubRejects      uint64
	Errors          uint64 // sum across error labels
	HubClients      uint64
	Fanout          uint64
	QueueDepthMax   uint64
	QueueDepthAvg   uint64
}

func Snap() Snapshot {
	return Snapshot{
		RelayRx:         atomic.LoadUint64(&localRelayRx),
		RelayTx:         atomic.LoadUint64(&localRelayTx),
		QueueDrops:      atomic.LoadUint64(&localQueueDrop),
		CRCErrors:       atomic.LoadUint64(&localCRC),
		Malformed:       atomic.LoadUint64(&localMalformed),
		ChunksRx:        atomic.LoadUint64(&localChunkRx),
		ChunksTx:        atomic.LoadUint64(&localChunkTx),
		ChunkBusy:       atomic.LoadUint64(&localChunkBusy),
		ChunkOutOfOrder: atomic.LoadUint64(&localChunkOOO),
		ReassemblyDrops: atomic.LoadUint64(&localReasmDrop),
		SPITransfers:    atomic.LoadUint64(&localSPIXfer),
		SPIRetries:      atomic.LoadUint64(&localSPIRetry),
		SPIOverruns:     atomic.LoadUint64(&localSPIOverrun),
		XchgOut:         atomic.LoadUint64(&localXchgOut),
		XchgIn:          atomic.LoadUint64(&localXchgIn),
		TCPRx:           atomic.LoadUint64(&localTCPRx),
		TCPTx:           atomic.LoadUint64(&localTCPTx),
		MQTTPublished:   atomic.LoadUint64(&localMQTT),
		HubDrops:        atomic.LoadUint64(&localHubDrop),
		HubKicks:        atomic.LoadUint64(&localHubKick),
		HubRejects:      atomic.LoadUint64(&localHubReject),
		Errors:          atomic.LoadUint64(&localErrors),
		HubClients:      atomic.LoadUint64(&localHubClients),
		Fanout:          atomic.LoadUint64(&localFanout),
		QueueDepthMax:   atomic.LoadUint64(&localQDMax),
		QueueDepthAvg:   atomic.LoadUint64(&localQDAvg),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRelayRx() {
	RelayRxFrames.Inc()
	atomic.AddUint64(&localRelayRx, 1)
}

func IncRelayTx() {
	RelayTxFrames.Inc()
	atomic.AddUint64(&localRelayTx, 1)
}

// IncQueueDrop counts a producer-side drop on the named bounded queue.
func IncQueueDrop(queue string) {
	QueueDroppedFrames.WithLabelValues(queue).Inc()
	atomic.AddUint64(&localQueueDrop, 1)
}

func IncCRCError() {
	CRCErrors.Inc()
	atomic.AddUint64(&localCRC, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncChunkRx() {
	ChunksRx.Inc()
	atomic.AddUint64(&localChunkRx, 1)
}

func IncChunkTx() {
	ChunksTx.Inc()
	atomic.AddUint64(&localChunkTx, 1)
}

func IncChunkBusy() {
	ChunkBusyRetries.Inc()
	atomic.AddUint64(&localChunkBusy, 1)
}

func IncChunkOutOfOrder() {
	ChunkOutOfOrder.Inc()
	atomic.AddUint64(&localChunkOOO, 1)
}

func IncReassemblyDrop() {
	ReassemblyDrops.Inc()
	atomic.AddUint64(&localReasmDrop, 1)
}

func IncSPITransfer() {
	SPITransfers.Inc()
	atomic.AddUint64(&localSPIXfer, 1)
}

func IncSPIRetry() {
	SPIRetries.Inc()
	atomic.AddUint64(&localSPIRetry, 1)
}

func IncSPIOverrun() {
	SPIWindowOverruns.Inc()
	atomic.AddUint64(&localSPIOverrun, 1)
}

func IncXchgOut() {
	XchgOutFrames.Inc()
	atomic.AddUint64(&localXchgOut, 1)
}

func IncXchgIn() {
	XchgInFrames.Inc()
	atomic.AddUint64(&localXchgIn, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncMQTTPublished() {
	MQTTPublished.Inc()
	atomic.AddUint64(&localMQTT, 1)
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common label series so the first error does not pay registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialWrite, ErrSerialRead, ErrSPITransfer,
		ErrBackendTx, ErrMQTTPublish, ErrXchgPoll, ErrChunkTx,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, q := range []string{QueueRx, QueueTx, QueueLog} {
		QueueDroppedFrames.WithLabelValues(q).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
