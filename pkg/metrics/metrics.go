// Package metrics exposes Prometheus collectors for the coupon guard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "couponguard"

type Metrics struct {
	registry *prometheus.Registry

	RateLimitDecisions  *prometheus.CounterVec
	ValidationAttempts  *prometheus.CounterVec
	AbuseDetections     *prometheus.CounterVec
	PersistenceFailures prometheus.Counter
	FlaggedContent      *prometheus.CounterVec
}

// New builds a private registry with process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by limiter and result.",
		}, []string{"limiter", "result"}),
		ValidationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "attempts_total",
			Help:      "Coupon validation attempts by outcome.",
		}, []string{"result", "reason"}),
		AbuseDetections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "abuse_detections_total",
			Help:      "Requests vetoed by abuse detection, by signal.",
		}, []string{"signal"}),
		PersistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "persistence_failures_total",
			Help:      "Validation attempts that could not be written to the database.",
		}),
		FlaggedContent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flagging",
			Name:      "evaluations_total",
			Help:      "Content flagging evaluations by verdict.",
		}, []string{"flagged"}),
	}
	reg.MustRegister(m.RateLimitDecisions, m.ValidationAttempts, m.AbuseDetections, m.PersistenceFailures, m.FlaggedContent)
	return m
}

// ObserveRateLimit counts one limiter decision.
func (m *Metrics) ObserveRateLimit(limiter string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.RateLimitDecisions.WithLabelValues(limiter, result).Inc()
}

func (m *Metrics) ObserveValidation(success bool, reason string) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.ValidationAttempts.WithLabelValues(result, reason).Inc()
}

// TrackGauge registers a gauge that reads fn at scrape time, e.g. cache sizes.
func (m *Metrics) TrackGauge(subsystem, name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
