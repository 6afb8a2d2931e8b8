package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics содержит метрики публикации transactional outbox.
type OutboxMetrics struct {
	publishAttempts *prometheus.CounterVec
	pending         prometheus.Gauge
	oldestAge       prometheus.Gauge
	cleanupRuns     *prometheus.CounterVec
	cleanupDeleted  prometheus.Counter
}

// NewOutboxMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewOutboxMetrics() *OutboxMetrics {
	return NewOutboxMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOutboxMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewOutboxMetricsWithRegisterer(registerer prometheus.Registerer) *OutboxMetrics {
	return &OutboxMetrics{
		publishAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "inventory_outbox_publish_attempts_total",
			Help: "Outbox publish attempts grouped by result",
		}, []string{"result"}),
		pending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "inventory_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox",
		}),
		oldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "inventory_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record",
		}),
		cleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "inventory_outbox_cleanup_runs_total",
			Help: "Outbox cleanup runs grouped by result",
		}, []string{"result"}),
		cleanupDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "inventory_outbox_cleanup_deleted_total",
			Help: "Sent outbox records deleted by cleanup",
		}),
	}
}

// RecordPublish увеличивает счётчик попыток публикации с результатом result.
func (m *OutboxMetrics) RecordPublish(result string) {
	m.publishAttempts.WithLabelValues(result).Inc()
}

// SetBacklog публикует размер и возраст backlog.
func (m *OutboxMetrics) SetBacklog(pending int, oldest time.Time) {
	m.pending.Set(float64(pending))
	if pending == 0 || oldest.IsZero() {
		m.oldestAge.Set(0)
		return
	}
	age := time.Since(oldest).Seconds()
	if age < 0 {
		age = 0
	}
	m.oldestAge.Set(age)
}

// RecordCleanup фиксирует прогон очистки и число удалённых записей.
func (m *OutboxMetrics) RecordCleanup(result string, deleted int) {
	m.cleanupRuns.WithLabelValues(result).Inc()
	if deleted > 0 {
		m.cleanupDeleted.Add(float64(deleted))
	}
}
