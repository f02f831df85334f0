package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type escrowMetrics struct {
	flows *prometheus.CounterVec
	value *prometheus.CounterVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *escrowMetrics
)

// Escrow returns the registry tracking value moving through the custody vault.
func Escrow() *escrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &escrowMetrics{
			flows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bounty",
				Subsystem: "escrow",
				Name:      "flows_total",
				Help:      "Count of custody movements segmented by direction.",
			}, []string{"flow"}),
			value: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bounty",
				Subsystem: "escrow",
				Name:      "value_total",
				Help:      "Cumulative value moved through custody segmented by direction.",
			}, []string{"flow"}),
		}
		prometheus.MustRegister(escrowRegistry.flows, escrowRegistry.value)
	})
	return escrowRegistry
}

// RecordFlow counts one custody movement of the supplied amount. Flow should
// be a stable direction label such as "funded", "released", or "refunded".
// Amounts are decimal strings as carried on lifecycle events; unparseable
// values still count the movement with zero value.
func (m *escrowMetrics) RecordFlow(flow, amount string) {
	if m == nil {
		return
	}
	flow = strings.TrimSpace(flow)
	if flow == "" {
		flow = "unknown"
	}
	m.flows.WithLabelValues(flow).Inc()
	if parsed, ok := new(big.Float).SetString(strings.TrimSpace(amount)); ok {
		value, _ := parsed.Float64()
		if value > 0 {
			m.value.WithLabelValues(flow).Add(value)
		}
	}
}
