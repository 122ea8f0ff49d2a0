// Package telemetry exposes Prometheus instrumentation for the radio core.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the radio core. A nil
// *Metrics is valid and records nothing, so instrumentation stays optional
// in tests.
type Metrics struct {
	registry *prometheus.Registry

	resolutionsTotal      prometheus.Counter
	resolutionErrorsTotal prometheus.Counter
	cacheHitsTotal        prometheus.Counter
	cacheMissesTotal      prometheus.Counter
	probesUnhealthyTotal  prometheus.Counter
	retriesTotal          prometheus.Counter
	streamsFailedTotal    prometheus.Counter
	activeStreams         prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		resolutionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alastor_resolutions_total",
			Help: "Total number of stream URL resolutions performed",
		}),
		resolutionErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alastor_resolution_errors_total",
			Help: "Total number of failed stream URL resolutions",
		}),
		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alastor_resolution_cache_hits_total",
			Help: "Total number of resolution cache hits",
		}),
		cacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alastor_resolution_cache_misses_total",
			Help: "Total number of resolution cache misses",
		}),
		probesUnhealthyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alastor_probes_unhealthy_total",
			Help: "Total number of health probes that reported unhealthy",
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alastor_stream_retries_total",
			Help: "Total number of scheduled stream retry attempts",
		}),
		streamsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alastor_streams_failed_total",
			Help: "Total number of guild streams that exhausted their retries",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alastor_active_streams",
			Help: "Number of guilds currently playing a station",
		}),
	}

	registry.MustRegister(
		m.resolutionsTotal,
		m.resolutionErrorsTotal,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.probesUnhealthyTotal,
		m.retriesTotal,
		m.streamsFailedTotal,
		m.activeStreams,
	)
	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Resolution() {
	if m != nil {
		m.resolutionsTotal.Inc()
	}
}

func (m *Metrics) ResolutionError() {
	if m != nil {
		m.resolutionErrorsTotal.Inc()
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHitsTotal.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMissesTotal.Inc()
	}
}

func (m *Metrics) ProbeUnhealthy() {
	if m != nil {
		m.probesUnhealthyTotal.Inc()
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.retriesTotal.Inc()
	}
}

func (m *Metrics) StreamFailed() {
	if m != nil {
		m.streamsFailedTotal.Inc()
	}
}

func (m *Metrics) StreamStarted() {
	if m != nil {
		m.activeStreams.Inc()
	}
}

func (m *Metrics) StreamStopped() {
	if m != nil {
		m.activeStreams.Dec()
	}
}
