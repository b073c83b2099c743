package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Decisions: RELEASED / WITHHELD_422 с кодом отказа
	ReleaseDecisions *prometheus.CounterVec

	// Latency: полный путь решения, включая подпись и журнал
	ReleaseDuration *prometheus.HistogramVec

	// Contention: повторы записи в журнал из-за гонки за голову цепочки
	AuditAppendRetries prometheus.Counter

	ShredTotal prometheus.Counter

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность очереди отгрузки (backpressure)
	AuditShippingQueue prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Если реестр не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ReleaseDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_release_decisions_total",
			Help: "Total number of release gate decisions.",
		}, []string{"decision", "code"}),

		ReleaseDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustgate_release_duration_seconds",
			Help:    "Histogram of release decision latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"decision"}),

		AuditAppendRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "trustgate_audit_append_retries_total",
			Help: "Audit appends retried because of chain contention.",
		}),

		ShredTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "trustgate_shred_total",
			Help: "Workspace keys shredded by this process.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "trustgate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		AuditShippingQueue: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "trustgate_audit_shipping_queue",
			Help: "Current number of audit records waiting to be shipped.",
		}),
	}
}

// WatchQueue периодически снимает длину очереди отгрузки журнала. Блокируется до отмены ctx.
func (m *Metrics) WatchQueue(ctx context.Context, interval time.Duration, queueLen func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.AuditShippingQueue.Set(float64(queueLen()))
		}
	}
}
