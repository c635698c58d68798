package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-epos2-driver/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	BusTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_tx_frames_total",
		Help: "Total CAN frames written to the bus, by backend.",
	}, []string{"backend"})
	BusRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_rx_frames_total",
		Help: "Total CAN frames read from the bus, by backend.",
	}, []string{"backend"})
	Cycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "velocity_cycles_total",
		Help: "Total setpoint/read-back cycles started.",
	})
	TelemetryTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_timeouts_total",
		Help: "Velocity read-backs that received no response in time.",
	})
	ReadingsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "readings_published_total",
		Help: "Velocity readings handed to the telemetry sink.",
	})
	ReadingsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "readings_dropped_total",
		Help: "Velocity readings dropped because the telemetry queue was full.",
	})
	SetpointsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "setpoints_coalesced_total",
		Help: "Setpoints replaced by a newer one before being applied.",
	})
	AmplifierState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amplifier_state",
		Help: "Current amplifier lifecycle state (ordinal, see epos2.State).",
	})
	LastSetpoint = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "velocity_setpoint",
		Help: "Most recent velocity setpoint sent to the amplifier (device ticks).",
	})
	LastReading = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "velocity_actual",
		Help: "Most recent velocity reported by the amplifier (device ticks).",
	})
	CycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "velocity_cycle_seconds",
		Help:    "Duration of one setpoint/read-back cycle.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
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
		Help: "Total rejected malformed frames (bad encoding, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrBusWrite       = "bus_write"
	ErrBusRead        = "bus_read"
	ErrTelemetry      = "telemetry_timeout"
	ErrResponse       = "unexpected_response"
	ErrInvalidState   = "invalid_state"
	ErrInit           = "init"
	ErrShutdown       = "shutdown"
	ErrPublish        = "publish"
	ErrPublishOverrun = "publish_overflow"
	ErrIntake         = "intake"
	ErrHandshake      = "handshake"
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
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
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
	localBusTx     uint64
	localBusRx     uint64
	localCycles    uint64
	localTimeouts  uint64
	localPublished uint64
	localDropped   uint64
	localCoalesced uint64
	localErrors    uint64
	localMalformed uint64
	localState     int64
	localSetpoint  int64
	localReading   int64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	BusTx     uint64
	BusRx     uint64
	Cycles    uint64
	Timeouts  uint64
	Published uint64
	Dropped   uint64
	Coalesced uint64
	Errors    uint64 // sum across error labels
	Malformed uint64
	State     int64
	Setpoint  int64
	Reading   int64
}

func Snap() Snapshot {
	return Snapshot{
		BusTx:     atomic.LoadUint64(&localBusTx),
		BusRx:     atomic.LoadUint64(&localBusRx),
		Cycles:    atomic.LoadUint64(&localCycles),
		Timeouts:  atomic.LoadUint64(&localTimeouts),
		Published: atomic.LoadUint64(&localPublished),
		Dropped:   atomic.LoadUint64(&localDropped),
		Coalesced: atomic.LoadUint64(&localCoalesced),
		Errors:    atomic.LoadUint64(&localErrors),
		Malformed: atomic.LoadUint64(&localMalformed),
		State:     atomic.LoadInt64(&localState),
		Setpoint:  atomic.LoadInt64(&localSetpoint),
		Reading:   atomic.LoadInt64(&localReading),
	}
}

// IncBusTx increments transmit counters for backend.
func IncBusTx(backend string) {
	BusTxFrames.WithLabelValues(backend).Inc()
	atomic.AddUint64(&localBusTx, 1)
}

// IncBusRx increments receive counters for backend.
func IncBusRx(backend string) {
	BusRxFrames.WithLabelValues(backend).Inc()
	atomic.AddUint64(&localBusRx, 1)
}

func IncCycle() {
	Cycles.Inc()
	atomic.AddUint64(&localCycles, 1)
}

func IncTelemetryTimeout() {
	TelemetryTimeouts.Inc()
	atomic.AddUint64(&localTimeouts, 1)
}

func IncPublished() {
	ReadingsPublished.Inc()
	atomic.AddUint64(&localPublished, 1)
}

func IncDropped() {
	ReadingsDropped.Inc()
	atomic.AddUint64(&localDropped, 1)
}

func IncCoalesced() {
	SetpointsCoalesced.Inc()
	atomic.AddUint64(&localCoalesced, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetState records the amplifier state ordinal.
func SetState(ordinal int) {
	AmplifierState.Set(float64(ordinal))
	atomic.StoreInt64(&localState, int64(ordinal))
}

func SetSetpoint(v int32) {
	LastSetpoint.Set(float64(v))
	atomic.StoreInt64(&localSetpoint, int64(v))
}

func SetReading(v int32) {
	LastReading.Set(float64(v))
	atomic.StoreInt64(&localReading, int64(v))
}

// ObserveCycle records the duration of one cycle.
func ObserveCycle(d time.Duration) { CycleSeconds.Observe(d.Seconds()) }

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrBusWrite, ErrBusRead, ErrTelemetry, ErrResponse, ErrInvalidState,
		ErrInit, ErrShutdown, ErrPublish, ErrPublishOverrun, ErrIntake, ErrHandshake,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not wired yet: report not ready until the amplifier is enabled
		return false
	}
	return fn()
}
