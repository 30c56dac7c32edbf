package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaycore_requests_total",
			Help: "Total number of routed AI requests",
		},
		[]string{"provider", "model", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaycore_request_duration_seconds",
			Help:    "End-to-end request latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"provider", "model"},
	)

	requestCost = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaycore_request_cost_usd",
			Help:    "Observed cost per request in USD",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"provider", "model"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaycore_semantic_cache_lookups_total",
			Help: "Semantic cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	budgetRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaycore_budget_rejections_total",
			Help: "Requests rejected by budget constraints",
		},
		[]string{"scope_type"},
	)

	modelSubstitutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaycore_model_substitutions_total",
			Help: "Model substitutions made by the cost optimizer",
		},
		[]string{"requested", "selected"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaycore_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaycore_queue_depth",
			Help: "Pending requests by priority",
		},
		[]string{"priority"},
	)

	failoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaycore_failovers_total",
			Help: "Provider failover attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	queueEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaycore_queue_events_total",
			Help: "Queue lifecycle events by type",
		},
		[]string{"event"},
	)

	modelHealthLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaycore_model_health_latency_ms",
			Help: "Platform-reported model latency in milliseconds",
		},
		[]string{"model"},
	)

	modelHealthErrorRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaycore_model_health_error_rate",
			Help: "Platform-reported model error rate",
		},
		[]string{"model"},
	)
)

func RecordRequest(provider, model, status string, duration time.Duration, cost float64) {
	requestsTotal.WithLabelValues(provider, model, status).Inc()
	requestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if cost > 0 {
		requestCost.WithLabelValues(provider, model).Observe(cost)
	}
}

func RecordCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

func RecordBudgetRejection(scopeType string) {
	budgetRejectionsTotal.WithLabelValues(scopeType).Inc()
}

func RecordModelSubstitution(requested, selected string) {
	modelSubstitutionsTotal.WithLabelValues(requested, selected).Inc()
}

func SetCircuitState(provider string, state int) {
	circuitState.WithLabelValues(provider).Set(float64(state))
}

func SetQueueDepth(priority string, depth int) {
	queueDepth.WithLabelValues(priority).Set(float64(depth))
}

func RecordFailover(provider, outcome string) {
	failoversTotal.WithLabelValues(provider, outcome).Inc()
}

func RecordQueueEvent(event string) {
	queueEventsTotal.WithLabelValues(event).Inc()
}

func SetModelHealth(model string, latencyMs, errorRate float64) {
	modelHealthLatency.WithLabelValues(model).Set(latencyMs)
	modelHealthErrorRate.WithLabelValues(model).Set(errorRate)
}
