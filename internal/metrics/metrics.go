// Package metrics exposes Prometheus instrumentation for the delivery
// pipeline. Label cardinality is kept deliberately small:
//
//   - recipient_type: personal / group / channel
//   - outcome:        delivered / failed (scheduled dispatch only)
//
// All collectors are safe for concurrent use. Register attaches them to a
// registry; the default registerer is used by RegisterDefault.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MessagesDelivered counts delivered messages by recipient type.
	MessagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamchat_messages_delivered_total",
			Help: "Total number of messages delivered.",
		},
		[]string{"recipient_type"},
	)

	// DeliveryRows counts per-recipient delivery rows written.
	DeliveryRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "teamchat_delivery_rows_total",
			Help: "Total number of per-recipient delivery rows created.",
		},
	)

	// ScheduledDispatch counts scheduled-message dispatch outcomes.
	ScheduledDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamchat_scheduled_dispatch_total",
			Help: "Total number of scheduled message dispatch attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches all collectors to the given registry. Duplicate
// registration returns the registry's error; tests use fresh registries.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{MessagesDelivered, DeliveryRows, ScheduledDispatch} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDefault attaches all collectors to the default registerer.
func RegisterDefault() error {
	return Register(prometheus.DefaultRegisterer)
}
