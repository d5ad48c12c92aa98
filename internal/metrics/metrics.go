package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/safierinx-a/led-grid-server/internal/logging"
)

// Prometheus counters
var (
	FramesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_ingested_total",
		Help: "Total frames accepted into the frame buffer from producers.",
	})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_dropped_total",
		Help: "Total frames dropped without delivery (buffer overflow, superseded-pattern leftovers, full mailboxes, serial backlog shedding).",
	})
	FramesInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_invalid_total",
		Help: "Total frames rejected for dimension/pixel-length mismatch.",
	})
	BatchesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batches_emitted_total",
		Help: "Total batches composed and handed to controller channels.",
	})
	BatchFramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_frames_tx_total",
		Help: "Total frames delivered inside emitted batches.",
	})
	RequestsDebounced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_requests_debounced_total",
		Help: "Total pull requests ignored by the per-controller debounce.",
	})
	WSRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_rx_messages_total",
		Help: "Total control messages received from controllers.",
	})
	WSTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_tx_messages_total",
		Help: "Total messages pushed to controllers over WebSocket.",
	})
	SerialTxBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_batches_total",
		Help: "Total batches written to serial-attached controllers.",
	})
	BusDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_dropped_events_total",
		Help: "Total bus events dropped due to slow subscribers.",
	})
	ControllerJoins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_joins_total",
		Help: "Total controller join handshakes completed.",
	})
	ControllerLeaves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_leaves_total",
		Help: "Total controller sessions closed.",
	})
	ActiveControllers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_controllers",
		Help: "Current number of attached controllers.",
	})
	QueueDepthPriority = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buffer_priority_frames",
		Help: "Frames currently queued in the priority queue.",
	})
	QueueDepthRegular = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buffer_regular_frames",
		Help: "Frames currently queued in the regular queue.",
	})
	DynamicBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dynamic_batch_size",
		Help: "Current frames-per-batch cap derived from controller fullness reports.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed wire payloads (bad marker, truncated, version mismatch).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrWSRead         = "ws_read"
	ErrWSWrite        = "ws_write"
	ErrEncode         = "encode"
	ErrDecode         = "decode"
	ErrProtocol       = "protocol"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrListen         = "listen"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address,
// plus /ready backed by the registered readiness function.
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

// SetReadinessFunc registers the readiness probe backing /ready.
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

// IsReady reports readiness; false until a readiness function is registered.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return false
	}
	return fn()
}

// InitBuildInfo publishes build metadata.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localIngested  uint64
	localDropped   uint64
	localInvalid   uint64
	localBatches   uint64
	localBatchTx   uint64
	localDebounced uint64
	localWSRx      uint64
	localWSTx      uint64
	localSerialTx  uint64
	localBusDrop   uint64
	localJoins     uint64
	localLeaves    uint64
	localErrors    uint64
	localMalformed uint64
	localActive    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Ingested    uint64
	Dropped     uint64
	Invalid     uint64
	Batches     uint64
	BatchTx     uint64
	Debounced   uint64
	WSRx        uint64
	WSTx        uint64
	SerialTx    uint64
	BusDrops    uint64
	Joins       uint64
	Leaves      uint64
	Errors      uint64 // sum across error labels
	Malformed   uint64
	Controllers uint64
}

func Snap() Snapshot {
	return Snapshot{
		Ingested:    atomic.LoadUint64(&localIngested),
		Dropped:     atomic.LoadUint64(&localDropped),
		Invalid:     atomic.LoadUint64(&localInvalid),
		Batches:     atomic.LoadUint64(&localBatches),
		BatchTx:     atomic.LoadUint64(&localBatchTx),
		Debounced:   atomic.LoadUint64(&localDebounced),
		WSRx:        atomic.LoadUint64(&localWSRx),
		WSTx:        atomic.LoadUint64(&localWSTx),
		SerialTx:    atomic.LoadUint64(&localSerialTx),
		BusDrops:    atomic.LoadUint64(&localBusDrop),
		Joins:       atomic.LoadUint64(&localJoins),
		Leaves:      atomic.LoadUint64(&localLeaves),
		Errors:      atomic.LoadUint64(&localErrors),
		Malformed:   atomic.LoadUint64(&localMalformed),
		Controllers: atomic.LoadUint64(&localActive),
	}
}

// Wrapper helpers to keep call sites simple.
func IncIngested() {
	FramesIngested.Inc()
	atomic.AddUint64(&localIngested, 1)
}

func AddDropped(n int) {
	FramesDropped.Add(float64(n))
	atomic.AddUint64(&localDropped, uint64(n))
}

func IncInvalid() {
	FramesInvalid.Inc()
	atomic.AddUint64(&localInvalid, 1)
}

// IncBatch records one emitted batch carrying n frames.
func IncBatch(n int) {
	BatchesEmitted.Inc()
	BatchFramesTx.Add(float64(n))
	atomic.AddUint64(&localBatches, 1)
	atomic.AddUint64(&localBatchTx, uint64(n))
}

func IncDebounced() {
	RequestsDebounced.Inc()
	atomic.AddUint64(&localDebounced, 1)
}

func IncWSRx() {
	WSRxMessages.Inc()
	atomic.AddUint64(&localWSRx, 1)
}

func IncWSTx() {
	WSTxMessages.Inc()
	atomic.AddUint64(&localWSTx, 1)
}

func IncSerialTx() {
	SerialTxBatches.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

func IncBusDrop() {
	BusDroppedEvents.Inc()
	atomic.AddUint64(&localBusDrop, 1)
}

func IncJoin() {
	ControllerJoins.Inc()
	atomic.AddUint64(&localJoins, 1)
}

func IncLeave() {
	ControllerLeaves.Inc()
	atomic.AddUint64(&localLeaves, 1)
}

func IncError(where string) {
	Errors.WithLabelValues(where).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetActiveControllers updates the attached-controller gauge.
func SetActiveControllers(n int) {
	ActiveControllers.Set(float64(n))
	atomic.StoreUint64(&localActive, uint64(n))
}

// SetQueueDepth updates the buffer queue gauges.
func SetQueueDepth(priority, regular int) {
	QueueDepthPriority.Set(float64(priority))
	QueueDepthRegular.Set(float64(regular))
}

// SetDynamicBatchSize records the current flow-control cap.
func SetDynamicBatchSize(n int) { DynamicBatchSize.Set(float64(n)) }
