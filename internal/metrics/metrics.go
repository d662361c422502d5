package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's Prometheus collectors behind one registry so
// tests can build isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	WebhookReceived  *prometheus.CounterVec
	WebhookProcessed *prometheus.CounterVec
	WebhookRejected  *prometheus.CounterVec
	Confirmations    *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		WebhookReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velta",
			Subsystem: "webhook",
			Name:      "received_total",
			Help:      "Webhook deliveries received, by event type.",
		}, []string{"event_type"}),
		WebhookProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velta",
			Subsystem: "webhook",
			Name:      "processed_total",
			Help:      "Webhook deliveries applied, by event type.",
		}, []string{"event_type"}),
		WebhookRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velta",
			Subsystem: "webhook",
			Name:      "rejected_total",
			Help:      "Webhook deliveries rejected, by reason.",
		}, []string{"reason"}),
		Confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velta",
			Subsystem: "payment",
			Name:      "confirmations_total",
			Help:      "Payment confirmations, by channel and outcome.",
		}, []string{"channel", "outcome"}),
	}

	registry.MustRegister(
		m.WebhookReceived,
		m.WebhookProcessed,
		m.WebhookRejected,
		m.Confirmations,
	)
	return m
}
