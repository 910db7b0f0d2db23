package observability

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartMetricsServer starts a background HTTP server for Prometheus
// metrics. Used by processes that have no HTTP surface of their own.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		slog.Info("Starting metrics server", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
}
