package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Check results recorded on the checks counter.
const (
	resultAllowed    = "allowed"
	resultRejected   = "rejected"
	resultFailedOpen = "failed_open"
)

// Metrics contains Prometheus collectors for limiter decisions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	checks        *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
}

// NewMetrics registers the limiter collectors with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		checks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smartmirror",
				Subsystem: "ratelimit",
				Name:      "checks_total",
				Help:      "Total number of rate limit checks by result",
			},
			[]string{"result"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smartmirror",
				Subsystem: "ratelimit",
				Name:      "store_errors_total",
				Help:      "Total number of failed shared store operations",
			},
			[]string{"op"},
		),
		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "smartmirror",
				Subsystem: "ratelimit",
				Name:      "store_duration_seconds",
				Help:      "Duration of shared store round-trips in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
			},
			[]string{"op"},
		),
	}
}

func (m *Metrics) recordCheck(result string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(result).Inc()
}

func (m *Metrics) recordStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) observe(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.checkDuration.WithLabelValues(op).Observe(d.Seconds())
}
