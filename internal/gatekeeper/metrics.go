package gatekeeper

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "gatekeeper"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of currently registered users.
	RegisteredUsers metrics.Gauge
	// Number of accepted appointments.
	AcceptedAppointments metrics.Counter
	// Number of appointments rejected for lack of slots.
	RejectedAppointments metrics.Counter
	// Number of users purged after their grace window lapsed.
	PurgedUsers metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		RegisteredUsers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "registered_users",
			Help:      "Number of currently registered users.",
		}, []string{}),
		AcceptedAppointments: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "accepted_appointments",
			Help:      "Number of accepted appointments.",
		}, []string{}),
		RejectedAppointments: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rejected_appointments",
			Help:      "Number of appointments rejected for lack of slots.",
		}, []string{}),
		PurgedUsers: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "purged_users",
			Help:      "Number of users purged after their grace window lapsed.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		RegisteredUsers:      discard.NewGauge(),
		AcceptedAppointments: discard.NewCounter(),
		RejectedAppointments: discard.NewCounter(),
		PurgedUsers:          discard.NewCounter(),
	}
}
