package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bankgate"

// Collector tracks gateway metrics on a private Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec   // route, method, status
	requestDurations *prometheus.HistogramVec // route
	decisionsTotal   *prometheus.CounterVec   // gate, reason
	cacheResults     *prometheus.CounterVec   // result
	upstreamAttempts *prometheus.CounterVec   // pool, outcome

	// Circuit breaker state: 0=closed, 1=open, 2=half_open
	endpointState *prometheus.GaugeVec // pool, endpoint
}

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// NewCollector creates a collector with its own registry, including Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total terminal responses by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   DefaultBuckets,
		}, []string{"route"}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Requests terminated by a pipeline gate.",
		}, []string{"gate", "reason"}),
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_results_total",
			Help:      "Cache lookups by result (HIT, MISS, BYPASS).",
		}, []string{"result"}),
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts by pool and outcome.",
		}, []string{"pool", "outcome"}),
		endpointState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_state",
			Help:      "Endpoint breaker state: 0=closed, 1=open, 2=half_open.",
		}, []string{"pool", "endpoint"}),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDurations,
		c.decisionsTotal,
		c.cacheResults,
		c.upstreamAttempts,
		c.endpointState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordDecision counts a request terminated by a gate.
func (c *Collector) RecordDecision(gate, reason string) {
	c.decisionsTotal.WithLabelValues(gate, reason).Inc()
}

// RecordCacheResult counts a cache lookup result.
func (c *Collector) RecordCacheResult(result string) {
	c.cacheResults.WithLabelValues(result).Inc()
}

// RecordUpstreamAttempt counts one dispatch attempt against a pool.
func (c *Collector) RecordUpstreamAttempt(pool, outcome string) {
	c.upstreamAttempts.WithLabelValues(pool, outcome).Inc()
}

// SetEndpointState publishes an endpoint's breaker state.
func (c *Collector) SetEndpointState(pool, endpoint string, state int) {
	c.endpointState.WithLabelValues(pool, endpoint).Set(float64(state))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
