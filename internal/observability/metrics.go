package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RoutingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_routing_decisions_total",
			Help: "Total routing decisions by outcome",
		},
		[]string{"outcome"}, // sticky, created, race_retry, no_worker
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_sessions_active",
			Help: "Active sessions as last observed by the cleanup job",
		},
	)

	Failovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_failovers_total",
			Help: "Total per-session failover attempts by outcome",
		},
		[]string{"outcome"}, // migrated, degraded, failed
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_rate_limit_decisions_total",
			Help: "Total rate limit checks by entity type and outcome",
		},
		[]string{"entity_type", "outcome"}, // allowed, denied, blocked
	)

	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_circuit_transitions_total",
			Help: "Total circuit breaker transitions by new state",
		},
		[]string{"component", "state"},
	)

	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_probe_duration_seconds",
			Help:    "Health probe round-trip duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	HealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "router_worker_health_score",
			Help: "Current computed health score per worker",
		},
		[]string{"worker_id"},
	)

	ErrorsLogged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_errors_logged_total",
			Help: "Total errors routed through the retry manager by category",
		},
		[]string{"category"},
	)
)

func init() {
	prometheus.MustRegister(
		RoutingDecisions,
		SessionsActive,
		Failovers,
		RateLimitDecisions,
		CircuitTransitions,
		ProbeDuration,
		HealthScore,
		ErrorsLogged,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
