// Package telemetry provides observability primitives for the Lasso proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	PipelineOutcomes *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	UpstreamFaults   *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	RateLimitRejects *prometheus.CounterVec
	EventClients     prometheus.Gauge
	AuditQueueLength prometheus.Gauge
}

// NewMetrics creates and registers all collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lasso",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "lasso",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lasso",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		PipelineOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lasso",
			Name:      "pipeline_outcomes_total",
			Help:      "Terminal pipeline outcomes by provider and action.",
		}, []string{"provider", "action"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "lasso",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider"}),

		UpstreamFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lasso",
			Name:      "upstream_faults_total",
			Help:      "Total upstream transport faults.",
		}, []string{"provider"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lasso",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lasso",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lasso",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"provider"}),

		EventClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lasso",
			Name:      "event_clients",
			Help:      "Connected websocket event subscribers.",
		}),

		AuditQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lasso",
			Name:      "audit_queue_length",
			Help:      "Current number of buffered audit records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.PipelineOutcomes,
		m.UpstreamDuration,
		m.UpstreamFaults,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejects,
		m.EventClients,
		m.AuditQueueLength,
	)
	return m
}
