package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// MaterializerJobs counts per-candidate outcomes: created, existing, error.
	MaterializerJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "materializer_jobs_total", Help: "Scheduled job materialization outcomes."},
		[]string{"result"},
	)
	// MaterializerRuns counts runs by final status.
	MaterializerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "materializer_runs_total", Help: "Materializer runs by status."},
		[]string{"status"},
	)
	MaterializerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "materializer_run_duration_seconds", Help: "Materializer run duration in seconds.", Buckets: prometheus.DefBuckets},
	)
	// RouteSequencing counts stop sequencing calls by algorithm and mode (persist, preview).
	RouteSequencing = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_sequencing_total", Help: "Stop sequencing invocations."},
		[]string{"algorithm", "mode"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(MaterializerJobs)
		Registry.MustRegister(MaterializerRuns)
		Registry.MustRegister(MaterializerDuration)
		Registry.MustRegister(RouteSequencing)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one request. path should be a route pattern, not the
// raw URL, to keep label cardinality bounded.
func ObserveHTTP(method, path string, status int, dur time.Duration) {
	code := strconv.Itoa(status)
	HTTPRequests.WithLabelValues(method, path, code).Inc()
	HTTPDuration.WithLabelValues(method, path, code).Observe(dur.Seconds())
}
