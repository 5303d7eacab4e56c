package chainmon

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "chainmon"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Height of the last fully applied tip.
	Height metrics.Gauge
	// Number of blocks connected.
	ConnectedBlocks metrics.Counter
	// Number of blocks disconnected.
	DisconnectedBlocks metrics.Counter
	// Number of reorgs observed.
	Reorgs metrics.Counter
	// Number of failed chain polls.
	PollFailures metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Height of the last fully applied tip.",
		}, []string{}),
		ConnectedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connected_blocks",
			Help:      "Number of blocks connected.",
		}, []string{}),
		DisconnectedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "disconnected_blocks",
			Help:      "Number of blocks disconnected.",
		}, []string{}),
		Reorgs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reorgs",
			Help:      "Number of reorgs observed.",
		}, []string{}),
		PollFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "poll_failures",
			Help:      "Number of failed chain polls.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Height:             discard.NewGauge(),
		ConnectedBlocks:    discard.NewCounter(),
		DisconnectedBlocks: discard.NewCounter(),
		Reorgs:             discard.NewCounter(),
		PollFailures:       discard.NewCounter(),
	}
}
