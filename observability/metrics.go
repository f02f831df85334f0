package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

type chainMetrics struct {
	height prometheus.Gauge
	events *prometheus.CounterVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	chainMetricsOnce sync.Once
	chainRegistry    *chainMetrics
)

// RPCMetrics returns the lazily-initialised registry used to record JSON-RPC
// handler activity.
func RPCMetrics() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bounty",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bounty",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and status code.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bounty",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bounty",
				Subsystem: "rpc",
				Name:      "throttled_total",
				Help:      "Requests rejected before reaching a handler, segmented by reason.",
			}, []string{"method", "reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records a completed JSON-RPC request. Statuses >= 400 count as
// errors and are additionally segmented by status code.
func (m *rpcMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "unauthorized" so dashboards and alerts
// remain consistent.
func (m *rpcMetrics) RecordThrottle(method, reason string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(method, reason).Inc()
}

// Chain returns the registry tracking node-level chain activity.
func Chain() *chainMetrics {
	chainMetricsOnce.Do(func() {
		chainRegistry = &chainMetrics{
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "bounty",
				Subsystem: "chain",
				Name:      "height",
				Help:      "Current chain height as seen by the node clock.",
			}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bounty",
				Subsystem: "chain",
				Name:      "events_total",
				Help:      "Count of published lifecycle events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(chainRegistry.height, chainRegistry.events)
	})
	return chainRegistry
}

// SetHeight records the current chain height.
func (m *chainMetrics) SetHeight(height uint64) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}

// RecordEvent increments the event counter for the supplied event type.
func (m *chainMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.events.WithLabelValues(normalized).Inc()
}
