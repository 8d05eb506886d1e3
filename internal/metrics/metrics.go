package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harun/foreman/pkg/breaker"
	"github.com/harun/foreman/pkg/pricing"
)

// Metrics holds all Prometheus metrics for the job pipeline
type Metrics struct {
	registry *prometheus.Registry

	// Job metrics
	JobsSettledTotal *prometheus.CounterVec
	TokensTotal      *prometheus.CounterVec
	CostTotal        prometheus.Counter

	// Breaker metrics
	BreakerState *prometheus.GaugeVec

	// Queue metrics
	QueueDepth *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		JobsSettledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_jobs_settled_total",
				Help: "Total number of jobs settled by terminal status",
			},
			[]string{"status", "type"},
		),
		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_tokens_total",
				Help: "Total tokens consumed by direction",
			},
			[]string{"direction"},
		),
		CostTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "foreman_cost_usd_total",
				Help: "Total cost in USD across all jobs",
			},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "foreman_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "foreman_queue_depth",
				Help: "Number of messages per queue",
			},
			[]string{"queue"},
		),
	}

	registry.MustRegister(
		m.JobsSettledTotal,
		m.TokensTotal,
		m.CostTotal,
		m.BreakerState,
		m.QueueDepth,
	)

	return m
}

// JobSettled records a job outcome. Implements dispatch.Observer.
func (m *Metrics) JobSettled(status, jobType string, usage pricing.Usage, cost float64) {
	m.JobsSettledTotal.WithLabelValues(status, jobType).Inc()
	if usage.Input > 0 {
		m.TokensTotal.WithLabelValues("input").Add(float64(usage.Input))
	}
	if usage.Output > 0 {
		m.TokensTotal.WithLabelValues("output").Add(float64(usage.Output))
	}
	if cost > 0 {
		m.CostTotal.Add(cost)
	}
}

// ObserveBreaker refreshes the breaker state gauges from a snapshot.
func (m *Metrics) ObserveBreaker(snapshots []breaker.Snapshot) {
	for _, s := range snapshots {
		value := 0.0
		switch s.State {
		case breaker.StateHalfOpen:
			value = 1.0
		case breaker.StateOpen:
			value = 2.0
		}
		m.BreakerState.WithLabelValues(s.Provider).Set(value)
	}
}

// ObserveQueueDepth refreshes one queue depth gauge.
func (m *Metrics) ObserveQueueDepth(queue string, depth int64) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
