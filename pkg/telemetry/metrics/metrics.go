// Package metrics exposes Prometheus instrumentation for the proxy.
package metrics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
	"github.com/JiHyuk-Byun/agent-infra/pkg/config"
)

// RequestMetrics tracks proxied request counts, durations, and failover
// retries.
//
// Metrics:
//   - agent_infra_requests_total: request count by model, backend, status
//   - agent_infra_request_duration_seconds: end-to-end duration histogram
//   - agent_infra_retries_total: failover attempts by model
type RequestMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
}

// NewRequestMetrics creates and registers request metrics with the
// provided registry.
func NewRequestMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RequestMetrics {
	rm := &RequestMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "requests_total",
				Help:      "Total number of proxied requests",
			},
			[]string{"model", "backend", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end duration of proxied requests in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
			},
			[]string{"model", "backend"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "retries_total",
				Help:      "Total number of failover retry attempts",
			},
			[]string{"model"},
		),
	}

	registry.MustRegister(
		rm.requestsTotal,
		rm.requestDuration,
		rm.retriesTotal,
	)

	return rm
}

// RecordRequest records a completed request.
func (rm *RequestMetrics) RecordRequest(model, backendID, status string, duration time.Duration) {
	rm.requestsTotal.WithLabelValues(model, backendID, status).Inc()
	rm.requestDuration.WithLabelValues(model, backendID).Observe(duration.Seconds())
}

// RecordRetry records one failover attempt.
func (rm *RequestMetrics) RecordRetry(model string) {
	rm.retriesTotal.WithLabelValues(model).Inc()
}

// BackendCollector exports per-backend gauges straight from registry
// snapshots at scrape time, so gauge values never go stale.
//
// Metrics:
//   - agent_infra_backend_in_flight: outstanding requests per backend
//   - agent_infra_backend_gpu_load: last reported GPU utilization
//   - agent_infra_backend_healthy: 1 when the backend is selectable
//   - agent_infra_backend_latency_ema_ms: latency EMA in milliseconds
type BackendCollector struct {
	registry *backend.Registry

	inFlight *prometheus.Desc
	gpuLoad  *prometheus.Desc
	healthy  *prometheus.Desc
	latency  *prometheus.Desc
}

// NewBackendCollector creates and registers the backend gauge collector.
func NewBackendCollector(cfg *config.MetricsConfig, reg *backend.Registry, registry *prometheus.Registry) *BackendCollector {
	labels := []string{"backend", "model"}
	bc := &BackendCollector{
		registry: reg,
		inFlight: prometheus.NewDesc(
			prometheus.BuildFQName(cfg.Namespace, "", "backend_in_flight"),
			"Outstanding proxied requests per backend", labels, nil),
		gpuLoad: prometheus.NewDesc(
			prometheus.BuildFQName(cfg.Namespace, "", "backend_gpu_load"),
			"Last reported GPU utilization per backend", labels, nil),
		healthy: prometheus.NewDesc(
			prometheus.BuildFQName(cfg.Namespace, "", "backend_healthy"),
			"Whether the backend is currently selectable", labels, nil),
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(cfg.Namespace, "", "backend_latency_ema_ms"),
			"Exponentially weighted request latency per backend", labels, nil),
	}
	registry.MustRegister(bc)
	return bc
}

// Describe implements prometheus.Collector.
func (bc *BackendCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bc.inFlight
	ch <- bc.gpuLoad
	ch <- bc.healthy
	ch <- bc.latency
}

// Collect implements prometheus.Collector.
func (bc *BackendCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range bc.registry.List() {
		ch <- prometheus.MustNewConstMetric(bc.inFlight, prometheus.GaugeValue,
			float64(s.InFlight), s.ID, s.Model)

		if !math.IsNaN(s.Load) {
			ch <- prometheus.MustNewConstMetric(bc.gpuLoad, prometheus.GaugeValue,
				s.Load, s.ID, s.Model)
		}

		selectable := 0.0
		if s.Selectable() {
			selectable = 1.0
		}
		ch <- prometheus.MustNewConstMetric(bc.healthy, prometheus.GaugeValue,
			selectable, s.ID, s.Model)

		if !math.IsNaN(s.EMALatencyMS) {
			ch <- prometheus.MustNewConstMetric(bc.latency, prometheus.GaugeValue,
				s.EMALatencyMS, s.ID, s.Model)
		}
	}
}
