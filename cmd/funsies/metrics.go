package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aspuru-guzik-group/funsies/internal/telemetry"
)

// promMetricsHandler returns the Prometheus scrape handler when the
// telemetry providers were configured with the Prometheus bridge, or
// nil otherwise (internal/opsserver leaves /metrics unmounted in that
// case).
func promMetricsHandler(p *telemetry.Providers) http.Handler {
	if p.PrometheusGatherer == nil {
		return nil
	}
	return promhttp.Handler()
}
