package main

import (
	"net/http"

	"github.com/angeloszaimis/llm-gateway/internal/handler"
	"github.com/angeloszaimis/llm-gateway/internal/metrics"
)

func setupRouter(chat *handler.ProtectionMiddleware, admin *handler.Admin, metricsCollector *metrics.Collector, exporter *metrics.PrometheusExporter) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/agents/{agent}/chat/completions", chat)
	mux.HandleFunc("GET /metrics", metricsCollector.Handler())
	if exporter != nil {
		mux.Handle("GET /metrics/prometheus", exporter.Handler())
	}
	mux.HandleFunc("GET /healthz", handler.Health)
	admin.Register(mux)

	return mux
}
