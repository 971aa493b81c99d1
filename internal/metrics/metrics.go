// Package metrics exposes prometheus counters for the work engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Work kinds, used as label values.
const (
	KindFetch    = "fetch"
	KindVerify   = "verify"
	KindDelivery = "delivery"
)

// Common outcome label values.
const (
	OutcomeComplete   = "complete"
	OutcomeIncomplete = "incomplete"
	OutcomeRejected   = "rejected"
	OutcomeGone       = "gone"
	OutcomeDenied     = "denied"
	OutcomeDelisted   = "delisted"
)

// Metrics holds the hub's prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	WorkClaimed *prometheus.CounterVec
	Outcomes    *prometheus.CounterVec
	InFlight    prometheus.Gauge
}

// New creates and registers the hub collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		WorkClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websub_hub_work_claimed_total",
			Help: "Work units claimed by this node, by kind.",
		}, []string{"kind"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websub_hub_work_outcomes_total",
			Help: "Processed work units by kind and outcome.",
		}, []string{"kind", "outcome"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websub_hub_work_in_flight",
			Help: "Work units currently being processed by this node.",
		}),
	}
	registry.MustRegister(m.WorkClaimed, m.Outcomes, m.InFlight)
	return m
}

// Outcome records one processed work unit.
func (m *Metrics) Outcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(kind, outcome).Inc()
}

// Claimed records claimed work units.
func (m *Metrics) Claimed(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.WorkClaimed.WithLabelValues(kind).Add(float64(n))
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
