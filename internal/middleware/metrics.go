// Package middleware holds the HTTP handler chain shared by the proxy
// server: Prometheus metrics and structured access logging.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quayside/quayside/internal/config"
)

// Metrics collects routing metrics and exposes them through a Prometheus
// registry.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	routingErrors    *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	fallbackServed   prometheus.Counter
	healthyEndpoints prometheus.Gauge
}

// metricsResponseWrapper captures the response status for labeling.
type metricsResponseWrapper struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *metricsResponseWrapper) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *metricsResponseWrapper) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// NewMetrics creates and registers the routing metrics.
func NewMetrics(cfg config.MetricsConfig, registerer prometheus.Registerer) (*Metrics, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "quayside"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "router"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of proxied HTTP requests",
			},
			[]string{"method", "status_code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Proxied HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		routingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "routing_errors_total",
				Help:      "Routing failures by error code",
			},
			[]string{"code"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per routing key (0=closed, 1=open, 2=half-open)",
			},
			[]string{"routing_key"},
		),
		fallbackServed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "fallback_decisions_served_total",
				Help:      "Requests served from the fallback decision cache",
			},
		),
		healthyEndpoints: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "healthy_endpoints",
				Help:      "Number of endpoints currently considered healthy",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.requestDuration,
		m.routingErrors,
		m.breakerState,
		m.fallbackServed,
		m.healthyEndpoints,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

// Handler wraps next with request counting and latency observation.
func (m *Metrics) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &metricsResponseWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		m.requestsTotal.WithLabelValues(r.Method, strconv.Itoa(wrapper.statusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// ObserveRoutingError counts a routing failure by envelope code.
func (m *Metrics) ObserveRoutingError(code string) {
	m.routingErrors.WithLabelValues(code).Inc()
}

// ObserveBreakerState records a breaker state for a routing key.
func (m *Metrics) ObserveBreakerState(key string, state float64) {
	m.breakerState.WithLabelValues(key).Set(state)
}

// ObserveFallbackServed counts a request answered from the fallback cache.
func (m *Metrics) ObserveFallbackServed() {
	m.fallbackServed.Inc()
}

// SetHealthyEndpoints records the current healthy endpoint count.
func (m *Metrics) SetHealthyEndpoints(n int) {
	m.healthyEndpoints.Set(float64(n))
}
