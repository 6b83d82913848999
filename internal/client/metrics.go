package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client-side Prometheus instruments (SPEC_FULL.md Domain
// Stack).
type Metrics struct {
	ReconnectsTotal      prometheus.Counter
	ConnectedGauge       prometheus.Gauge
	RequestsHandled      prometheus.Counter
	OriginErrorsTotal    *prometheus.CounterVec
	OriginRequestLatency prometheus.Histogram
}

// NewMetrics constructs and registers all client-side metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_client_reconnects_total",
			Help: "Total reconnection attempts made to the relay server.",
		}),
		ConnectedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_client_connected",
			Help: "1 if currently connected to the relay server, 0 otherwise.",
		}),
		RequestsHandled: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_client_requests_handled_total",
			Help: "Total REQUEST envelopes forwarded to the local origin.",
		}),
		OriginErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_client_origin_errors_total",
			Help: "Total local origin proxy errors, by error kind.",
		}, []string{"kind"}),
		OriginRequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_client_origin_request_duration_seconds",
			Help:    "Latency of local origin round trips.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
