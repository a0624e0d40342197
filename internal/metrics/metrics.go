// Package metrics registers the Prometheus instruments for the Hearth
// delivery path. All instruments are registered on the default registry and
// exposed via promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks live WebSocket subscriptions by scope
	// ("room" or "control").
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hearth_connections_active",
			Help: "Currently registered WebSocket subscriptions",
		},
		[]string{"scope"},
	)

	// MessagesPublished counts messages persisted and broadcast.
	MessagesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_messages_published_total",
			Help: "Total messages persisted and broadcast",
		},
	)

	// PublishFailures counts publishes aborted by a persistence error.
	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_publish_failures_total",
			Help: "Total publishes aborted before broadcast",
		},
	)

	// SubscribersDropped counts connections force-closed on send-queue
	// overflow.
	SubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_subscribers_dropped_total",
			Help: "Total subscribers force-closed for a full send queue",
		},
	)

	// ControlNotifications counts room-list change signals fanned out.
	ControlNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_control_notifications_total",
			Help: "Total room-list change notifications broadcast",
		},
	)
)
