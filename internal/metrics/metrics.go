package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cart"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	operations         *prometheus.CounterVec
	inventoryCalls     *prometheus.HistogramVec
	cacheWriteFailures prometheus.Counter
	compensations      *prometheus.CounterVec
	activeCarts        prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Cart operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		inventoryCalls: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inventory_call_duration_seconds",
			Help:      "Latency of reserve and release calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"call", "outcome"}),
		cacheWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_failures_total",
			Help:      "Failed write-through saves of the cart snapshot.",
		}),
		compensations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clear_compensations_total",
			Help:      "Re-reservations issued after a partially failed clear.",
		}, []string{"outcome"}),
		activeCarts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Carts currently held in memory.",
		}),
	}
}

func (m *Metrics) Operation(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) InventoryCall(call, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.inventoryCalls.WithLabelValues(call, outcome).Observe(d.Seconds())
}

func (m *Metrics) CacheWriteFailed() {
	if m == nil {
		return
	}
	m.cacheWriteFailures.Inc()
}

func (m *Metrics) Compensation(outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetActiveCarts(n int) {
	if m == nil {
		return
	}
	m.activeCarts.Set(float64(n))
}
