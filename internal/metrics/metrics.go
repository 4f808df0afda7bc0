// Package metrics holds the Prometheus collectors of the push engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Deliveries counts per-endpoint attempts by kind (broadcast, user) and outcome.
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_deliveries_total",
			Help: "Web push delivery attempts by send kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// SendDuration measures one whole Broadcast or SendToUser fan-out.
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "push_send_duration_seconds",
			Help:    "Wall-clock duration of one notification fan-out",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"kind"},
	)

	// Invalidated counts subscriptions retired after a relay reported them gone.
	Invalidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_subscriptions_invalidated_total",
			Help: "Subscriptions deactivated because the push relay reported them gone",
		},
	)
)

func RecordDelivery(kind, outcome string) {
	Deliveries.WithLabelValues(kind, outcome).Inc()
}

func RecordSendDuration(kind string, d time.Duration) {
	SendDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func AddInvalidated(n int) {
	Invalidated.Add(float64(n))
}
