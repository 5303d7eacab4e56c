package watcher

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "watcher"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of appointments in the live index.
	Appointments metrics.Gauge
	// Number of breaches detected and handed to the responder.
	Breaches metrics.Counter
	// Number of appointments dropped because their blob did not decrypt.
	InvalidBlobs metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Appointments: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "appointments",
			Help:      "Number of appointments in the live index.",
		}, []string{}),
		Breaches: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "breaches",
			Help:      "Number of breaches detected and handed to the responder.",
		}, []string{}),
		InvalidBlobs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "invalid_blobs",
			Help:      "Number of appointments dropped because their blob did not decrypt.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Appointments: discard.NewGauge(),
		Breaches:     discard.NewCounter(),
		InvalidBlobs: discard.NewCounter(),
	}
}
