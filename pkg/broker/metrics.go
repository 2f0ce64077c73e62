package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request lifecycle states used as metric labels and in logs.
const (
	stateReceived         = "received"
	stateAutoResolved     = "auto_resolved"
	stateAwaitingApproval = "awaiting_approval"
	stateResolved         = "resolved"
	stateRejected         = "rejected"
)

// Metrics holds the broker's Prometheus collectors.
type Metrics struct {
	// requests counts terminal outcomes per method
	requests *prometheus.CounterVec

	// transitions counts state transitions per method
	transitions *prometheus.CounterVec

	// decisions counts human decisions and timeouts per pending kind
	decisions *prometheus.CounterVec

	// pending tracks the size of the pending request table
	pending prometheus.Gauge

	// duration measures time from receipt to terminal outcome
	duration *prometheus.HistogramVec

	// receipts counts receipt poll outcomes
	receipts *prometheus.CounterVec
}

// NewMetrics registers the broker collectors with reg. A nil reg uses a
// private registry so tests and multiple brokers do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apollo",
			Subsystem: "broker",
			Name:      "requests_total",
			Help:      "Provider requests by method and outcome.",
		}, []string{"method", "outcome"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apollo",
			Subsystem: "broker",
			Name:      "state_transitions_total",
			Help:      "Request state transitions by method and state.",
		}, []string{"method", "state"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apollo",
			Subsystem: "broker",
			Name:      "decisions_total",
			Help:      "Approval decisions by kind and decision.",
		}, []string{"kind", "decision"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "apollo",
			Subsystem: "broker",
			Name:      "pending_requests",
			Help:      "Requests awaiting a human decision.",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apollo",
			Subsystem: "broker",
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to resolution.",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"method"}),
		receipts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apollo",
			Subsystem: "broker",
			Name:      "receipts_total",
			Help:      "Transaction receipts observed by status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) transition(method, state string) {
	m.transitions.WithLabelValues(method, state).Inc()
}
