package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traffic_router_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "traffic_router_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Provider call metrics
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traffic_router_provider_calls_total",
			Help: "Provider calls by outcome (success or error code)",
		},
		[]string{"provider", "component", "outcome"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "traffic_router_provider_call_duration_seconds",
			Help:    "Duration of resilient provider calls including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "component"},
	)

	ProviderRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traffic_router_provider_retries_total",
			Help: "Retries issued after a retryable failure",
		},
		[]string{"provider", "component"},
	)

	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traffic_router_rate_limit_rejections_total",
			Help: "Calls rejected by a fixed-window limiter",
		},
		[]string{"limiter"},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "traffic_router_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component", "kind"},
	)

	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traffic_router_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "kind", "to"},
	)

	// Traffic analysis metrics
	SegmentSamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traffic_router_segment_samples_total",
			Help: "Segment flow samples by outcome (sampled or unavailable)",
		},
		[]string{"outcome"},
	)

	TrafficVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traffic_router_traffic_verdicts_total",
			Help: "Route traffic verdicts by overall condition",
		},
		[]string{"condition", "confidence"},
	)

	// History metrics
	HistoryDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "traffic_router_history_dropped_total",
			Help: "History entries dropped because the buffer was full",
		},
	)
)

// ObserveHTTP records one served HTTP request
func ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// ObserveProviderCall records the final outcome of one resilient call
func ObserveProviderCall(provider, component, outcome string, elapsed time.Duration) {
	ProviderCallsTotal.WithLabelValues(provider, component, outcome).Inc()
	ProviderCallDuration.WithLabelValues(provider, component).Observe(elapsed.Seconds())
}
