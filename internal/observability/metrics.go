package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for fast-path
// access in the middleware hot path.
type Metrics struct {
	// Atomic counters for hot-path reads (no mutex, no allocation).
	admitted       int64
	rateLimited    int64
	targetsBlocked int64
	paymentsOK     int64
	paymentsDenied int64

	promAdmitted       prometheus.Counter
	promRateLimited    prometheus.Counter
	promTargetsBlocked *prometheus.CounterVec
	promPaymentsOK     prometheus.Counter
	promPaymentsDenied prometheus.Counter
	promJobs           *prometheus.CounterVec
	PromEventsDropped  prometheus.Counter

	// PromRequestDuration observes end-to-end request latency.
	PromRequestDuration *prometheus.HistogramVec

	// PromTrackedIdentities gauges the rate limiter's table size.
	PromTrackedIdentities prometheus.Gauge

	// PromCapabilityDuration observes paid capability execution latency.
	PromCapabilityDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "requests_admitted_total",
			Help:      "Total number of requests that passed rate limiting.",
		}),
		promRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "requests_rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		}),
		// Reason is a closed set of coarse categories, so the label is
		// safe from cardinality explosions.
		promTargetsBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "targets_blocked_total",
			Help:      "Total outbound fetch targets rejected by the validator.",
		}, []string{"reason"}),
		promPaymentsOK: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "payments_accepted_total",
			Help:      "Total payments accepted by the payment gate.",
		}),
		promPaymentsDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "payments_denied_total",
			Help:      "Total requests denied by the payment gate.",
		}),
		promJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "jobs_total",
			Help:      "Jobs by capability and terminal status.",
		}, []string{"capability", "status"}),
		PromEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "events_dropped_total",
			Help:      "Usage events dropped because the buffer was full.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentgate",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromTrackedIdentities: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentgate",
			Name:      "ratelimit_tracked_identities",
			Help:      "Identities currently tracked by the rate limiter.",
		}),
		PromCapabilityDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentgate",
			Name:      "capability_duration_seconds",
			Help:      "Paid capability execution duration in seconds.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"capability"}),
	}

	return m
}

// IncAdmitted increments the admitted requests counter.
func (m *Metrics) IncAdmitted() {
	atomic.AddInt64(&m.admitted, 1)
	m.promAdmitted.Inc()
}

// IncRateLimited increments the rate-limited requests counter.
func (m *Metrics) IncRateLimited() {
	atomic.AddInt64(&m.rateLimited, 1)
	m.promRateLimited.Inc()
}

// IncTargetBlocked increments the blocked-target counter for a coarse reason.
func (m *Metrics) IncTargetBlocked(reason string) {
	atomic.AddInt64(&m.targetsBlocked, 1)
	m.promTargetsBlocked.WithLabelValues(reason).Inc()
}

// IncPaymentAccepted increments the accepted payments counter.
func (m *Metrics) IncPaymentAccepted() {
	atomic.AddInt64(&m.paymentsOK, 1)
	m.promPaymentsOK.Inc()
}

// IncPaymentDenied increments the denied payments counter.
func (m *Metrics) IncPaymentDenied() {
	atomic.AddInt64(&m.paymentsDenied, 1)
	m.promPaymentsDenied.Inc()
}

// IncJob counts a job reaching a terminal status.
func (m *Metrics) IncJob(capability, status string) {
	m.promJobs.WithLabelValues(capability, status).Inc()
}

// IncEventsDropped counts a usage event dropped on buffer overflow.
func (m *Metrics) IncEventsDropped() {
	m.PromEventsDropped.Inc()
}

// Snapshot returns the hot-path counters. Used by tests and debug output.
func (m *Metrics) Snapshot() (admitted, rateLimited, targetsBlocked, paymentsOK, paymentsDenied int64) {
	return atomic.LoadInt64(&m.admitted),
		atomic.LoadInt64(&m.rateLimited),
		atomic.LoadInt64(&m.targetsBlocked),
		atomic.LoadInt64(&m.paymentsOK),
		atomic.LoadInt64(&m.paymentsDenied)
}
