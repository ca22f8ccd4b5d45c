package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the gate decision pipeline.
type Metrics struct {
	// Decisions recorded in the attempt ledger, by outcome
	Decisions *prometheus.CounterVec

	// Detections dropped before reaching the cascade
	DroppedDetections *prometheus.CounterVec

	// Time from detection instant to recorded decision
	ResponseTime prometheus.Histogram

	// Pending attempts closed by the expiry sweep
	ExpiredPending prometheus.Counter

	// Notification deliveries that failed after the attempt was durable
	NotifyFailures prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewatch_decisions_total",
			Help: "Access decisions recorded, by outcome",
		}, []string{"decision"}),

		DroppedDetections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewatch_detections_dropped_total",
			Help: "Detections dropped before decisioning, by cause",
		}, []string{"cause"}), // cause: "implausible", "duplicate", "invalid"

		ResponseTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatewatch_response_time_seconds",
			Help:    "Time from detection instant to the decision being recorded",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		ExpiredPending: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatewatch_pending_expired_total",
			Help: "Pending attempts expired by the sweep or on read",
		}),

		NotifyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatewatch_notify_failures_total",
			Help: "Notification deliveries that failed",
		}),
	}
}

func (m *Metrics) RecordDecision(decision string, responseTime time.Duration) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(decision).Inc()
	m.ResponseTime.Observe(responseTime.Seconds())
}

func (m *Metrics) RecordDrop(cause string) {
	if m != nil {
		m.DroppedDetections.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) RecordExpired(n int64) {
	if m != nil && n > 0 {
		m.ExpiredPending.Add(float64(n))
	}
}

func (m *Metrics) RecordNotifyFailure() {
	if m != nil {
		m.NotifyFailures.Inc()
	}
}
