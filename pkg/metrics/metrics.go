// Package metrics exposes prometheus counters for the submission pipeline.
// A nil *Registry is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry      *prometheus.Registry
	outcomesTotal *prometheus.CounterVec
	rebuildsTotal prometheus.Counter
	submitsTotal  *prometheus.CounterVec
	pollsTotal    *prometheus.CounterVec
	inFlight      prometheus.Gauge
}

func NewRegistry() *Registry {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txsubmit_outcomes_total",
		Help: "Terminal submission outcomes by status",
	}, []string{"status"})

	rebuilds := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "txsubmit_rebuild_cycles_total",
		Help: "Transactions rebuilt after a remediable rejection or a lost submission",
	})

	submits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txsubmit_submit_calls_total",
		Help: "Submit calls by result",
	}, []string{"result"})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txsubmit_poll_calls_total",
		Help: "Status polls by observed status",
	}, []string{"status"})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "txsubmit_in_flight",
		Help: "Submissions currently being processed",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(outcomes, rebuilds, submits, polls, inFlight)

	return &Registry{
		registry:      r,
		outcomesTotal: outcomes,
		rebuildsTotal: rebuilds,
		submitsTotal:  submits,
		pollsTotal:    polls,
		inFlight:      inFlight,
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Registry) IncOutcome(status string) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(status).Inc()
}

func (m *Registry) IncRebuild() {
	if m == nil {
		return
	}
	m.rebuildsTotal.Inc()
}

func (m *Registry) IncSubmit(result string) {
	if m == nil {
		return
	}
	m.submitsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncPoll(status string) {
	if m == nil {
		return
	}
	m.pollsTotal.WithLabelValues(status).Inc()
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func (m *Registry) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}
