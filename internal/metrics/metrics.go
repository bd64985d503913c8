package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook metrics
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilolab_stripe_webhook_events_total",
			Help: "Total number of Stripe webhook notifications by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	WebhookDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kilolab_stripe_webhook_duration_seconds",
			Help:    "Time spent handling a Stripe webhook notification in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Outbox metrics
	OutboxPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilolab_outbox_publish_total",
			Help: "Total number of outbox publish attempts by result",
		},
		[]string{"result"},
	)

	// Reconciliation metrics
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kilolab_reconcile_runs_total",
			Help: "Total number of account reconciliations by result",
		},
		[]string{"result"},
	)
)

// RecordWebhook records the outcome of a single webhook notification.
func RecordWebhook(eventType, outcome string, seconds float64) {
	if eventType == "" {
		eventType = "unknown"
	}
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	WebhookDuration.Observe(seconds)
}
