package node

import (
	"github.com/ltwatch/towerd/config"
	"github.com/ltwatch/towerd/internal/chainmon"
	"github.com/ltwatch/towerd/internal/gatekeeper"
	"github.com/ltwatch/towerd/internal/responder"
	"github.com/ltwatch/towerd/internal/watcher"
)

type metricsBundle struct {
	chainmon   *chainmon.Metrics
	gatekeeper *gatekeeper.Metrics
	watcher    *watcher.Metrics
	responder  *responder.Metrics
}

// nodeMetrics returns the per-component metrics, Prometheus-backed when
// instrumentation is enabled and no-op otherwise.
func nodeMetrics(cfg *config.InstrumentationConfig) metricsBundle {
	if cfg.Prometheus {
		return metricsBundle{
			chainmon:   chainmon.PrometheusMetrics(cfg.Namespace),
			gatekeeper: gatekeeper.PrometheusMetrics(cfg.Namespace),
			watcher:    watcher.PrometheusMetrics(cfg.Namespace),
			responder:  responder.PrometheusMetrics(cfg.Namespace),
		}
	}
	return metricsBundle{
		chainmon:   chainmon.NopMetrics(),
		gatekeeper: gatekeeper.NopMetrics(),
		watcher:    watcher.NopMetrics(),
		responder:  responder.NopMetrics(),
	}
}
