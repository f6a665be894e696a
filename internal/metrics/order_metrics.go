package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты мутаций для label result.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// OrderMetrics содержит метрики движка мутаций заказа и блокировок.
type OrderMetrics struct {
	mutations        *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	inFlight         prometheus.Gauge

	lockWait          prometheus.Histogram
	lockBusy          prometheus.Counter
	lockReleaseErrors prometheus.Counter
}

// NewOrderMetrics регистрирует метрики в default registry.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в переданном registry.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		mutations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_mutations_total",
			Help: "Total number of order operations grouped by operation and result (ok, error kind or error).",
		}, []string{"operation", "result"}),
		mutationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "orders_mutation_duration_seconds",
			Help:    "Duration of order operations in seconds, including lock wait.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orders_mutations_in_flight",
			Help: "Number of order mutations currently holding a lease.",
		}),
		lockWait: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "orders_lock_acquire_duration_seconds",
			Help:    "Time spent acquiring the order lease, including retries.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		lockBusy: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orders_lock_busy_total",
			Help: "Total number of mutations rejected because the order lease stayed busy.",
		}),
		lockReleaseErrors: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orders_lock_release_errors_total",
			Help: "Total number of failed lease releases (lease expires by ttl).",
		}),
	}
}

// RecordMutation фиксирует результат и длительность операции.
func (m *OrderMetrics) RecordMutation(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(operation, result).Inc()
	m.mutationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLockAcquired фиксирует время ожидания аренды.
func (m *OrderMetrics) RecordLockAcquired(wait time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(wait.Seconds())
}

// RecordLockBusy увеличивает счётчик отказов по занятой аренде.
func (m *OrderMetrics) RecordLockBusy() {
	if m == nil {
		return
	}
	m.lockBusy.Inc()
}

// RecordLockReleaseError увеличивает счётчик ошибок освобождения аренды.
func (m *OrderMetrics) RecordLockReleaseError() {
	if m == nil {
		return
	}
	m.lockReleaseErrors.Inc()
}

// MutationStarted увеличивает число активных мутаций.
func (m *OrderMetrics) MutationStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// MutationFinished уменьшает число активных мутаций.
func (m *OrderMetrics) MutationFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}
