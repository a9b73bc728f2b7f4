package session

import (
	"github.com/hyperengineering/todomirror/internal/gateway"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	eventsApplied *prometheus.CounterVec
	invalidEvents prometheus.Counter
	streamErrors  prometheus.Counter
	confirmations *prometheus.CounterVec
	records       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "todomirror",
			Subsystem: "session",
			Name:      "events_applied_total",
			Help:      "Backend events applied to the mirror, by kind.",
		}, []string{"kind"}),
		invalidEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "todomirror",
			Subsystem: "session",
			Name:      "invalid_events_total",
			Help:      "Malformed change stream messages that were dropped.",
		}),
		streamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "todomirror",
			Subsystem: "session",
			Name:      "stream_errors_total",
			Help:      "Failed snapshot queries and change stream transport failures.",
		}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "todomirror",
			Subsystem: "session",
			Name:      "confirmations_total",
			Help:      "Backend confirmations of local mutations, by op and outcome.",
		}, []string{"op", "outcome"}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "todomirror",
			Subsystem: "session",
			Name:      "records",
			Help:      "Records currently in the mirror.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.eventsApplied, m.invalidEvents, m.streamErrors, m.confirmations, m.records)
	}
	return m
}

// observe counts finished confirmations.
func (m *metrics) observe(mut gateway.Mutation, s gateway.State, err error) {
	switch s {
	case gateway.StateSucceeded, gateway.StateFailed:
		m.confirmations.WithLabelValues(string(mut.Op), s.String()).Inc()
	}
}
