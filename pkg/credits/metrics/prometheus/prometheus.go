package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements credits.Metrics using Prometheus.
type Metrics struct {
	consumptionTotal   *prometheus.CounterVec
	grantsTotal        *prometheus.CounterVec
	intentsCreated     *prometheus.CounterVec
	intentsExpired     prometheus.Counter
	webhookEvents      *prometheus.CounterVec
	webhookDuration    *prometheus.HistogramVec
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		consumptionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_consumption_total",
			Help:      "Total number of credit consumption attempts.",
		}, []string{"allowed"}),

		grantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_grants_total",
			Help:      "Total number of credit grant attempts.",
		}, []string{"applied"}),

		intentsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intents_created_total",
			Help:      "Total number of payment intents created.",
		}, []string{"provider"}),

		intentsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intents_expired_total",
			Help:      "Total number of payment intents moved to expired by the sweep.",
		}),

		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of processed webhook deliveries by status.",
		}, []string{"provider", "status"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_handling_duration_seconds",
			Help:      "Latency of webhook handling.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

// RecordConsumption implements credits.Metrics.
func (m *Metrics) RecordConsumption(userID string, amount int, allowed bool) {
	m.consumptionTotal.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

// RecordGrant implements credits.Metrics.
func (m *Metrics) RecordGrant(userID string, amount int, applied bool) {
	m.grantsTotal.WithLabelValues(strconv.FormatBool(applied)).Inc()
}

// RecordIntentCreated implements credits.Metrics.
func (m *Metrics) RecordIntentCreated(provider string) {
	m.intentsCreated.WithLabelValues(provider).Inc()
}

// RecordIntentExpired implements credits.Metrics.
func (m *Metrics) RecordIntentExpired(count int) {
	m.intentsExpired.Add(float64(count))
}

// RecordWebhookEvent implements credits.Metrics.
func (m *Metrics) RecordWebhookEvent(provider, status string) {
	m.webhookEvents.WithLabelValues(provider, status).Inc()
}

// RecordWebhookDuration implements credits.Metrics.
func (m *Metrics) RecordWebhookDuration(provider string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordStorageOperation implements credits.Metrics.
func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}
