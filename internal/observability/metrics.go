package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "farm_market"

var (
	AcceptancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "acceptances_total", Help: "Offer acceptance attempts by target kind and outcome"},
		[]string{"kind", "outcome"},
	)
	AcceptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "accept_latency_seconds", Help: "Acceptance transaction latency seconds"},
		[]string{"kind"},
	)
	EscrowOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "escrow_operations_total", Help: "Escrow provider calls by operation, intent type and outcome"},
		[]string{"op", "type", "outcome"},
	)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by sink and outcome"},
		[]string{"sink", "outcome"},
	)
	CheckpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "checkpoints_total", Help: "Job checkpoint attempts by kind and outcome"},
		[]string{"kind", "outcome"},
	)
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_clients", Help: "Number of connected websocket clients"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Outcome maps an error to a metrics label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
