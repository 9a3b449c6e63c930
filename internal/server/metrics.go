package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics keep bounded cardinality: decision and fault kinds are closed sets,
// endpoint labels are chi route patterns, never raw URLs.
var (
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_steps_total",
		Help: "Routing decisions taken, by decision kind",
	}, []string{"decision"})

	fatalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_fatal_total",
		Help: "Sessions entering a fatal state, by fault kind",
	}, []string{"kind"})

	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbiter_step_duration_seconds",
		Help:    "Wall time of one Advance call (all chained steps)",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 60},
	})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_sessions_active",
		Help: "Sessions currently held live in memory",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbiter_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_http_requests_total",
		Help: "HTTP requests served",
	}, []string{"method", "endpoint", "status"})

	requestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_http_requests_rejected_total",
		Help: "Requests rejected before reaching a handler",
	}, []string{"reason"})

	watchersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_watchers_active",
		Help: "Open watch websocket connections",
	})
)

func recordStep(decision string) {
	stepsTotal.WithLabelValues(decision).Inc()
}

func recordFatal(kind string) {
	fatalTotal.WithLabelValues(kind).Inc()
}

func recordAdvance(d time.Duration) {
	stepDuration.Observe(d.Seconds())
}

func recordRequest(method, endpoint string, status int, d time.Duration) {
	requestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
	requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
}

func recordRejected(reason string) {
	requestsRejected.WithLabelValues(reason).Inc()
}

// statusRecorder captures the response status for the metrics middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
