package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by the callback forwarder.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Auth-core metrics.
var (
	authFlowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_flows_total",
			Help: "OAuth sign-in flows by terminal result.",
		},
		[]string{"result"},
	)

	authFlowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "auth_flow_duration_seconds",
		Help:    "Time from flow start to resolution.",
		Buckets: []float64{0.5, 1, 2, 3, 5, 8, 10, 15},
	})

	deeplinkParseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deeplink_parse_total",
			Help: "Deep-link parse attempts by recognized encoding.",
		},
		[]string{"encoding"},
	)

	establishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_establish_total",
			Help: "Session establishment attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		authFlowsTotal, authFlowDuration, deeplinkParseTotal, establishTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFlow records one resolved OAuth flow.
func ObserveFlow(result string, d time.Duration) {
	authFlowsTotal.WithLabelValues(result).Inc()
	authFlowDuration.Observe(d.Seconds())
}

// CountParse records a deep-link parse attempt for the given encoding
// ("intent", "scheme_query", "scheme_fragment", "universal", "fallback", "none").
func CountParse(encoding string) {
	deeplinkParseTotal.WithLabelValues(encoding).Inc()
}

// CountEstablish records a session establishment outcome.
func CountEstablish(outcome string) {
	establishTotal.WithLabelValues(outcome).Inc()
}

// Instrument wraps an HTTP handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics and logs.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
