package responder

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "responder"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of in-flight trackers.
	Trackers metrics.Gauge
	// Number of accepted penalty broadcasts.
	Broadcasts metrics.Counter
	// Number of rebroadcast attempts.
	Rebroadcasts metrics.Counter
	// Number of trackers settled at the confirmation threshold.
	ConfirmedTrackers metrics.Counter
	// Number of trackers abandoned on user eviction.
	AbandonedTrackers metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Trackers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "trackers",
			Help:      "Number of in-flight trackers.",
		}, []string{}),
		Broadcasts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "broadcasts",
			Help:      "Number of accepted penalty broadcasts.",
		}, []string{}),
		Rebroadcasts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rebroadcasts",
			Help:      "Number of rebroadcast attempts.",
		}, []string{}),
		ConfirmedTrackers: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "confirmed_trackers",
			Help:      "Number of trackers settled at the confirmation threshold.",
		}, []string{}),
		AbandonedTrackers: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "abandoned_trackers",
			Help:      "Number of trackers abandoned on user eviction.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Trackers:          discard.NewGauge(),
		Broadcasts:        discard.NewCounter(),
		Rebroadcasts:      discard.NewCounter(),
		ConfirmedTrackers: discard.NewCounter(),
		AbandonedTrackers: discard.NewCounter(),
	}
}
