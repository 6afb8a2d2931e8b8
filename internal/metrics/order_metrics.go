package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы попытки оформления заказа (label outcome).
const (
	OutcomeCommitted         = "committed"
	OutcomeInvalid           = "invalid"
	OutcomeNotFound          = "not_found"
	OutcomeInsufficientStock = "insufficient_stock"
	OutcomeConflict          = "conflict"
	OutcomeCanceled          = "canceled"
	OutcomeRollbackFailed    = "rollback_failed"
	OutcomeStoreFailure      = "store_failure"
)

// OrderMetrics содержит метрики обработчика заказов.
type OrderMetrics struct {
	attempts         *prometheus.CounterVec
	attemptDuration  prometheus.Histogram
	linesPerOrder    prometheus.Histogram
	compensations    prometheus.Counter
	rollbackFailures prometheus.Counter
	outboxEvents     *prometheus.CounterVec
	inFlight         prometheus.Gauge
}

// NewOrderMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	return &OrderMetrics{
		attempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "inventory_order_attempts_total",
			Help: "Order processing attempts by final outcome",
		}, []string{"outcome"}),
		attemptDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "inventory_order_attempt_duration_seconds",
			Help:    "Duration of order processing attempts in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		linesPerOrder: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "inventory_order_lines",
			Help:    "Number of lines in committed orders",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		compensations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "inventory_compensations_total",
			Help: "Stock decrements restored by compensating increments",
		}),
		rollbackFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "inventory_rollback_failures_total",
			Help: "Order attempts whose compensation could not restore stock",
		}),
		outboxEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "inventory_outbox_enqueued_total",
			Help: "Outbox events enqueued by the order processor",
		}, []string{"event_type"}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "inventory_orders_in_flight",
			Help: "Order attempts currently being processed",
		}),
	}
}

// RecordAttemptStarted отмечает начало попытки.
func (m *OrderMetrics) RecordAttemptStarted() {
	m.inFlight.Inc()
}

// RecordAttemptFinished фиксирует исход и длительность попытки.
func (m *OrderMetrics) RecordAttemptFinished(outcome string, duration time.Duration) {
	m.inFlight.Dec()
	m.attempts.WithLabelValues(outcome).Inc()
	m.attemptDuration.Observe(duration.Seconds())
}

// RecordCommittedLines записывает число строк оформленного заказа.
func (m *OrderMetrics) RecordCommittedLines(lines int) {
	m.linesPerOrder.Observe(float64(lines))
}

// RecordCompensation увеличивает счётчик восстановленных списаний.
func (m *OrderMetrics) RecordCompensation() {
	m.compensations.Inc()
}

// RecordRollbackFailure увеличивает счётчик неудачных откатов.
func (m *OrderMetrics) RecordRollbackFailure() {
	m.rollbackFailures.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox по типу.
func (m *OrderMetrics) RecordOutboxEvent(eventType string) {
	m.outboxEvents.WithLabelValues(eventType).Inc()
}
