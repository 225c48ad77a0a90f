// Package metrics exposes the scheduler's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	dispatches    *prometheus.CounterVec
	completions   *prometheus.CounterVec
	advancePasses *prometheus.CounterVec
	transitions   *prometheus.CounterVec
}

// New registers the counters on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicecampaign",
			Name:      "dispatch_total",
			Help:      "Call dispatch attempts by result.",
		}, []string{"result"}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicecampaign",
			Name:      "completions_total",
			Help:      "Vendor completion events by disposition.",
		}, []string{"disposition"}),
		advancePasses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicecampaign",
			Name:      "advance_passes_total",
			Help:      "Scheduler advance passes by result.",
		}, []string{"result"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicecampaign",
			Name:      "campaign_transitions_total",
			Help:      "Campaign status transitions by target status.",
		}, []string{"to"}),
	}
}

func (m *Metrics) Dispatch(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}

func (m *Metrics) Completion(disposition string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(disposition).Inc()
}

func (m *Metrics) AdvancePass(result string) {
	if m == nil {
		return
	}
	m.advancePasses.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}
