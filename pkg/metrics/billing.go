package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the billing counters.
const (
	OutcomeProcessed  = "processed"
	OutcomeDeferred   = "deferred"
	OutcomeDuplicate  = "duplicate"
	OutcomeRejected   = "rejected"
	OutcomeFailed     = "failed"
	OutcomeIgnored    = "ignored"
	OutcomeSent       = "sent"
	OutcomeSuppressed = "suppressed"
	OutcomeSucceeded  = "succeeded"
)

// BillingMetrics records webhook ingestion, reconciliation and notification
// activity. A nil receiver is a no-op.
type BillingMetrics struct {
	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	notifications   *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
}

// NewBillingMetrics registers the billing collectors on the provided registerer.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Provider webhook events by type and outcome.",
	}, []string{"type", "outcome"})
	webhookDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_webhook_duration_seconds",
		Help:    "Webhook handling duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_notifications_total",
		Help: "Notification gate decisions by category and outcome.",
	}, []string{"category", "outcome"})
	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_reconciliations_total",
		Help: "Subscription reconciliations by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(webhookEvents, webhookDuration, notifications, reconciliations)
	return &BillingMetrics{
		webhookEvents:   webhookEvents,
		webhookDuration: webhookDuration,
		notifications:   notifications,
		reconciliations: reconciliations,
	}
}

// ObserveWebhook counts one webhook delivery and its handling duration.
func (m *BillingMetrics) ObserveWebhook(eventType, outcome string, duration time.Duration) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	eventType = normalizeLabel(eventType)
	m.webhookEvents.WithLabelValues(eventType, normalizeLabel(outcome)).Inc()
	m.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// IncNotification counts a gate decision.
func (m *BillingMetrics) IncNotification(category, outcome string) {
	if m == nil || m.notifications == nil {
		return
	}
	m.notifications.WithLabelValues(normalizeLabel(category), normalizeLabel(outcome)).Inc()
}

// IncReconciliation counts a reconciliation attempt.
func (m *BillingMetrics) IncReconciliation(outcome string) {
	if m == nil || m.reconciliations == nil {
		return
	}
	m.reconciliations.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
