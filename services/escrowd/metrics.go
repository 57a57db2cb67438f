package main

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stellarpay/escrow"
)

// Metrics aggregates the service's Prometheus collectors. It doubles as the
// engine's event emitter so state transitions are counted without extra
// plumbing.
type Metrics struct {
	transitions *prometheus.CounterVec
	requests    *prometheus.CounterVec
	sweeps      prometheus.Counter
	sweepErrors prometheus.Counter
}

// NewMetrics registers the collectors against the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_transitions_total",
			Help:      "Escrow status transitions by origin and destination state.",
		}, []string{"from", "to"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		sweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "deadline_sweeps_total",
			Help:      "Completed deadline sweep passes.",
		}),
		sweepErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "deadline_sweep_errors_total",
			Help:      "Errors encountered while locking expired escrows.",
		}),
	}
}

// Emit implements escrow.Emitter.
func (m *Metrics) Emit(evt escrow.Event) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(evt.From), string(evt.To)).Inc()
}

func (m *Metrics) observeRequest(route string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeSweep(errs int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepErrors.Add(float64(errs))
}
