package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server-side Prometheus instruments (SPEC_FULL.md Domain
// Stack; modeled after cortexuvula-clawreachbridge/internal/metrics).
type Metrics struct {
	SessionsTotal            prometheus.Counter
	ActiveSessions           prometheus.Gauge
	SessionsClosedTotal      *prometheus.CounterVec
	AllocationExhaustedTotal prometheus.Counter
	PendingRequests          prometheus.Gauge
	TimeoutsTotal            prometheus.Counter
	ErrorsTotal              *prometheus.CounterVec
	PublicRequestsTotal      *prometheus.CounterVec
	PublicRequestDuration    prometheus.Histogram
	ChannelQueueDepth        *prometheus.GaugeVec
	MissedPongsTotal         *prometheus.CounterVec
	RateLimitedTotal         prometheus.Counter
}

// NewMetrics constructs and registers all server-side metrics against reg.
// Pass prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry across parallel test binaries.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Total tunnel sessions registered.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of registered tunnel sessions.",
		}),
		SessionsClosedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_closed_total",
			Help: "Total tunnel sessions closed, by reason.",
		}, []string{"reason"}),
		AllocationExhaustedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_subdomain_allocation_exhausted_total",
			Help: "Total subdomain allocation attempts that exhausted all retries.",
		}),
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_requests",
			Help: "Current number of requests awaiting a tunnel response.",
		}),
		TimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_forwarder_timeouts_total",
			Help: "Total requests that timed out waiting for a tunnel response.",
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_forwarder_errors_total",
			Help: "Total requests completed with an error, by error kind.",
		}, []string{"kind"}),
		PublicRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_public_requests_total",
			Help: "Total public HTTP requests handled, by outcome status.",
		}, []string{"status"}),
		PublicRequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_public_request_duration_seconds",
			Help:    "Latency of public HTTP requests end to end.",
			Buckets: prometheus.DefBuckets,
		}),
		ChannelQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_channel_queue_depth",
			Help: "Outbound envelope queue depth per tunnel subdomain.",
		}, []string{"subdomain"}),
		MissedPongsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_channel_missed_pongs_total",
			Help: "Total channels closed for exceeding the missed heartbeat PONG limit, by subdomain.",
		}, []string{"subdomain"}),
		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Total public requests rejected by the per-subdomain rate limiter.",
		}),
	}
}
