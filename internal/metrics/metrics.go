package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canio/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Driver label values. Kept to a fixed set to bound cardinality.
const (
	DriverSocketCAN = "socketcan"
	DriverSerial    = "serial"
	DriverLoopback  = "loopback"
	DriverCNL       = "cnl"
)

// Direction label values for would-block counters.
const (
	DirTx = "tx"
	DirRx = "rx"
)

// Prometheus counters
var (
	BusTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames handed to a driver for transmission.",
	}, []string{"driver"})
	BusRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames received from a driver.",
	}, []string{"driver"})
	BusWouldBlock = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_would_block_total",
		Help: "Non-blocking operations that could not complete immediately.",
	}, []string{"driver", "dir"})
	BusOverruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_overruns_total",
		Help: "Frames lost because a receive queue was full.",
	}, []string{"driver"})
	BusFilterRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_filter_rejects_total",
		Help: "Frames discarded by software acceptance filters.",
	}, []string{"driver"})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
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
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead     = "tcp_read"
	ErrTCPWrite    = "tcp_write"
	ErrHandshake   = "handshake"
	ErrBusWrite    = "bus_write"
	ErrBusRead     = "bus_read"
	ErrBusOverflow = "bus_tx_overflow"
	ErrDial        = "dial"
	ErrLink        = "link"
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
	localBusTx          uint64
	localBusRx          uint64
	localWouldBlock     uint64
	localOverruns       uint64
	localFilterRejects  uint64
	localTCPRx          uint64
	localTCPTx          uint64
	localHubDrop        uint64
	localHubKick        uint64
	localHubReject      uint64
	localErrors         uint64
	localHubClients     uint64
	localFanout         uint64
	localMalformed      uint64
	localQDMax          uint64
	localQDAvg          uint64
	localBusOverflowErr uint64
)

// Snapshot is a cheap copy of local counters. Bus counters are summed
// across drivers.
type Snapshot struct {
	BusTx         uint64
	BusRx         uint64
	WouldBlock    uint64
	Overruns      uint64
	FilterRejects uint64
	TCPRx         uint64
	TCPTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	Errors        uint64 // sum across error labels
	BusOverflows  uint64 // subset of Errors labelled bus_tx_overflow
	HubClients    uint64
	Fanout        uint64
	Malformed     uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
}

func Snap() Snapshot {
	return Snapshot{
		BusTx:         atomic.LoadUint64(&localBusTx),
		BusRx:         atomic.LoadUint64(&localBusRx),
		WouldBlock:    atomic.LoadUint64(&localWouldBlock),
		Overruns:      atomic.LoadUint64(&localOverruns),
		FilterRejects: atomic.LoadUint64(&localFilterRejects),
		TCPRx:         atomic.LoadUint64(&localTCPRx),
		TCPTx:         atomic.LoadUint64(&localTCPTx),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		Errors:        atomic.LoadUint64(&localErrors),
		BusOverflows:  atomic.LoadUint64(&localBusOverflowErr),
		HubClients:    atomic.LoadUint64(&localHubClients),
		Fanout:        atomic.LoadUint64(&localFanout),
		Malformed:     atomic.LoadUint64(&localMalformed),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
	}
}

// IncTx counts a frame accepted by driver for transmission.
func IncTx(driver string) {
	BusTxFrames.WithLabelValues(driver).Inc()
	atomic.AddUint64(&localBusTx, 1)
}

// IncRx counts a frame delivered by driver.
func IncRx(driver string) {
	BusRxFrames.WithLabelValues(driver).Inc()
	atomic.AddUint64(&localBusRx, 1)
}

func IncWouldBlock(driver, dir string) {
	BusWouldBlock.WithLabelValues(driver, dir).Inc()
	atomic.AddUint64(&localWouldBlock, 1)
}

func IncOverrun(driver string) {
	BusOverruns.WithLabelValues(driver).Inc()
	atomic.AddUint64(&localOverruns, 1)
}

func IncFilterReject(driver string) {
	BusFilterRejects.WithLabelValues(driver).Inc()
	atomic.AddUint64(&localFilterRejects, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
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
	if label == ErrBusOverflow {
		atomic.AddUint64(&localBusOverflowErr, 1)
	}
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
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
	// Pre-register common series so the first event does not pay registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrBusWrite, ErrBusRead, ErrBusOverflow, ErrDial, ErrLink,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, d := range []string{DriverSocketCAN, DriverSerial, DriverLoopback, DriverCNL} {
		BusTxFrames.WithLabelValues(d).Add(0)
		BusRxFrames.WithLabelValues(d).Add(0)
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

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
