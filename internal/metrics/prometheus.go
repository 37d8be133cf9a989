package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter mirrors collector events into Prometheus series on a
// private registry.
type PrometheusExporter struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	responsesTotal     *prometheus.CounterVec
	rateLimitedTotal   *prometheus.CounterVec
	circuitRejections  *prometheus.CounterVec
	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec
	dedupTotal         *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
	upstreamErrors     *prometheus.CounterVec
}

func NewPrometheusExporter() *PrometheusExporter {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &PrometheusExporter{
		registry: registry,

		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_requests_total",
				Help: "Total number of protected requests per target",
			},
			[]string{"target"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_gateway_request_duration_seconds",
				Help:    "End-to-end protected request duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"target"},
		),
		responsesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_responses_total",
				Help: "Responses returned to callers by target and status",
			},
			[]string{"target", "status"},
		),
		rateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_rate_limited_total",
				Help: "Requests rejected by the rate limiter per dimension",
			},
			[]string{"dimension"},
		),
		circuitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_circuit_rejections_total",
				Help: "Requests rejected by an open circuit",
			},
			[]string{"target"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llm_gateway_circuit_state",
				Help: "Circuit state per target (0 closed, 1 open, 2 half-open)",
			},
			[]string{"target"},
		),
		circuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_circuit_transitions_total",
				Help: "Circuit state transitions by target and destination state",
			},
			[]string{"target", "to"},
		),
		dedupTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_dedup_total",
				Help: "Deduplication outcomes (hit, miss, bypass)",
			},
			[]string{"target", "result"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_retries_total",
				Help: "Upstream retry attempts",
			},
			[]string{"target"},
		),
		upstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_upstream_errors_total",
				Help: "Final upstream errors by class",
			},
			[]string{"target", "class"},
		),
	}
}

func (p *PrometheusExporter) Observe(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		p.requestsTotal.WithLabelValues(event.Target).Inc()

	case EventResponseCompleted:
		p.requestDuration.WithLabelValues(event.Target).Observe(event.Duration.Seconds())
		p.responsesTotal.WithLabelValues(event.Target, strconv.Itoa(event.StatusCode)).Inc()

	case EventRateLimited:
		p.rateLimitedTotal.WithLabelValues(event.Dimension).Inc()

	case EventCircuitRejected:
		p.circuitRejections.WithLabelValues(event.Target).Inc()

	case EventCircuitStateChanged:
		p.circuitState.WithLabelValues(event.Target).Set(stateValue(event.State))
		p.circuitTransitions.WithLabelValues(event.Target, event.State).Inc()

	case EventDedup:
		p.dedupTotal.WithLabelValues(event.Target, event.Result).Inc()

	case EventRetryAttempt:
		p.retriesTotal.WithLabelValues(event.Target).Inc()

	case EventUpstreamError:
		p.upstreamErrors.WithLabelValues(event.Target, event.Class).Inc()
	}
}

func (p *PrometheusExporter) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func stateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF-OPEN":
		return 2
	default:
		return 0
	}
}
