// Package telemetry provides observability with Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the router.
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Token and cost metrics
	TokensInput  *prometheus.CounterVec
	TokensOutput *prometheus.CounterVec
	CostUSD      *prometheus.CounterVec

	// Upstream metrics
	UpstreamRequests *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec

	// Cache metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    prometheus.Counter
	CacheEvictions *prometheus.CounterVec
	CacheEntries   prometheus.Gauge
	CacheBytes     prometheus.Gauge

	// Guard metrics
	GuardBlocks    *prometheus.CounterVec
	GuardAnomalies *prometheus.CounterVec
	RateLimitHits  prometheus.Counter

	// Circuit breaker metrics
	CircuitState       *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec

	// Routing metrics
	RoutingDecisions *prometheus.CounterVec
	RoutingFailures  *prometheus.CounterVec
	ClassifierTier   *prometheus.CounterVec

	// Dispatcher metrics
	QueueDepth    *prometheus.GaugeVec
	ActiveWorkers prometheus.Gauge

	// Feedback loop metrics
	FeedbackRuns *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_requests_total",
				Help: "Total routing requests by terminal outcome",
			},
			[]string{"outcome", "task_type", "model"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmrouter_request_duration_seconds",
				Help:    "End-to-end request duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"task_type"},
		),

		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "llmrouter_requests_in_flight",
				Help: "Number of requests currently being processed",
			},
		),

		TokensInput: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_tokens_input_total",
				Help: "Total input tokens processed",
			},
			[]string{"model", "provider"},
		),

		TokensOutput: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_tokens_output_total",
				Help: "Total output tokens generated",
			},
			[]string{"model", "provider"},
		),

		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_cost_usd_total",
				Help: "Total cost in USD",
			},
			[]string{"model", "provider"},
		),

		UpstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_upstream_requests_total",
				Help: "Total calls per upstream",
			},
			[]string{"upstream", "model"},
		),

		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_upstream_errors_total",
				Help: "Total upstream errors by kind",
			},
			[]string{"upstream", "kind"},
		),

		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmrouter_upstream_latency_seconds",
				Help:    "Upstream call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"upstream", "model"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_cache_hits_total",
				Help: "Cache hits by match kind",
			},
			[]string{"kind"}, // exact | semantic
		),

		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "llmrouter_cache_misses_total",
				Help: "Cache misses",
			},
		),

		CacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_cache_evictions_total",
				Help: "Cache evictions by strategy",
			},
			[]string{"strategy"},
		),

		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "llmrouter_cache_entries",
				Help: "Live cache entry count",
			},
		),

		CacheBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "llmrouter_cache_bytes",
				Help: "Live cache size in bytes",
			},
		),

		GuardBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_guard_blocks_total",
				Help: "Requests blocked by the guard",
			},
			[]string{"family", "risk"},
		),

		GuardAnomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_guard_anomalies_total",
				Help: "Guard anomalies detected by family",
			},
			[]string{"family"},
		),

		RateLimitHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "llmrouter_rate_limit_hits_total",
				Help: "Requests rejected by the rate limiter",
			},
		),

		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmrouter_circuit_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"model"},
		),

		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_circuit_transitions_total",
				Help: "Circuit breaker transitions by target state",
			},
			[]string{"model", "to"},
		),

		RoutingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_routing_decisions_total",
				Help: "Routing decisions by candidate source",
			},
			[]string{"task_type", "source"},
		),

		RoutingFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_routing_failures_total",
				Help: "Routing failures by reason",
			},
			[]string{"reason"},
		),

		ClassifierTier: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_classifier_tier_total",
				Help: "Classifications by deciding tier",
			},
			[]string{"tier"}, // rule | semantic | fallback
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmrouter_queue_depth",
				Help: "Dispatcher queue depth per lane",
			},
			[]string{"lane"},
		),

		ActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "llmrouter_active_workers",
				Help: "Dispatcher worker count",
			},
		),

		FeedbackRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_feedback_runs_total",
				Help: "Feedback loop job runs by status",
			},
			[]string{"job", "status"},
		),
	}
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RequestRecorder carries metric labels through one request.
type RequestRecorder struct {
	metrics  *Metrics
	taskType string
	start    time.Time
}

// NewRequestRecorder starts recording one request.
func (m *Metrics) NewRequestRecorder() *RequestRecorder {
	m.RequestsInFlight.Inc()
	return &RequestRecorder{metrics: m, taskType: "unknown", start: time.Now()}
}

// SetTaskType updates the task label once classification is known.
func (r *RequestRecorder) SetTaskType(taskType string) {
	r.taskType = taskType
}

// RecordOutcome finalizes the request with its terminal outcome.
func (r *RequestRecorder) RecordOutcome(outcome, model string, inputTokens, outputTokens int, costUSD float64) {
	duration := time.Since(r.start).Seconds()

	r.metrics.RequestsInFlight.Dec()
	r.metrics.RequestsTotal.WithLabelValues(outcome, r.taskType, model).Inc()
	r.metrics.RequestDuration.WithLabelValues(r.taskType).Observe(duration)

	if inputTokens > 0 || outputTokens > 0 {
		r.metrics.TokensInput.WithLabelValues(model, "").Add(float64(inputTokens))
		r.metrics.TokensOutput.WithLabelValues(model, "").Add(float64(outputTokens))
	}
	if costUSD > 0 {
		r.metrics.CostUSD.WithLabelValues(model, "").Add(costUSD)
	}
}

// UpdateCircuitState sets the per-model breaker gauge.
// state: closed=0, half-open=1, open=2.
func (m *Metrics) UpdateCircuitState(model, state string) {
	var v float64
	switch state {
	case "closed":
		v = 0
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitState.WithLabelValues(model).Set(v)
}

// Init builds the metrics and returns a shutdown func.
func Init() (*Metrics, func(), error) {
	metrics := NewMetrics()
	return metrics, func() {}, nil
}
