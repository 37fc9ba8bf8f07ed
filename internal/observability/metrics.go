package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "callbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	dispatchCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callbridge",
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Dispatched calls by route and outcome kind.",
		},
		[]string{"module", "method", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "callbridge",
			Subsystem: "dispatch",
			Name:      "call_duration_seconds",
			Help:      "Time from dequeue to completion in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"success"},
	)
	sessionAborts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "callbridge",
			Subsystem: "session",
			Name:      "aborts_total",
			Help:      "Sessions torn down by an unknown call target.",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "callbridge",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Open dispatch sessions.",
		},
	)
	referencesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "callbridge",
			Subsystem: "references",
			Name:      "live",
			Help:      "Live reference table entries across sessions.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			dispatchCalls,
			dispatchDuration,
			sessionAborts,
			sessionsActive,
			referencesLive,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordHTTPUpgrade counts a websocket request without observing latency.
func RecordHTTPUpgrade(node, method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(node, method, path, strconv.Itoa(status)).Inc()
}

// RecordDispatch counts one completed call. outcome is "ok" or the failure kind.
func RecordDispatch(module, method, outcome string, success bool, duration time.Duration) {
	RegisterMetrics()
	dispatchCalls.WithLabelValues(module, method, outcome).Inc()
	dispatchDuration.WithLabelValues(strconv.FormatBool(success)).Observe(duration.Seconds())
}

func RecordSessionAbort() {
	RegisterMetrics()
	sessionAborts.Inc()
}

func AddActiveSessions(delta int) {
	RegisterMetrics()
	sessionsActive.Add(float64(delta))
}

func AddLiveReferences(delta int) {
	RegisterMetrics()
	referencesLive.Add(float64(delta))
}
