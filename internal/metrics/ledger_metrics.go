package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics содержит метрики операций над остатками.
type LedgerMetrics struct {
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
}

// NewLedgerMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewLedgerMetrics() *LedgerMetrics {
	return NewLedgerMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewLedgerMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewLedgerMetricsWithRegisterer(registerer prometheus.Registerer) *LedgerMetrics {
	return &LedgerMetrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "inventory_ledger_operations_total",
			Help: "Stock ledger operations by operation and result",
		}, []string{"operation", "result"}),
		duration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "inventory_ledger_operation_duration_seconds",
			Help:    "Duration of stock ledger operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"operation"}),
		breakerState: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "inventory_ledger_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		}, []string{"breaker"}),
	}
}

// RecordOperation фиксирует результат и длительность операции.
func (m *LedgerMetrics) RecordOperation(operation, result string, duration time.Duration) {
	m.operations.WithLabelValues(operation, result).Inc()
	m.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetBreakerState публикует состояние автомата.
func (m *LedgerMetrics) SetBreakerState(name string, state int) {
	m.breakerState.WithLabelValues(name).Set(float64(state))
}
