package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the reference backend's Prometheus collectors.
type Metrics struct {
	writes      *prometheus.CounterVec
	subscribers prometheus.Gauge
	broadcasts  prometheus.Counter
	dropped     prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "todomirror",
			Subsystem: "server",
			Name:      "writes_total",
			Help:      "Accepted todo writes, by op.",
		}, []string{"op"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "todomirror",
			Subsystem: "server",
			Name:      "stream_subscribers",
			Help:      "Open change stream subscriptions.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "todomirror",
			Subsystem: "server",
			Name:      "broadcasts_total",
			Help:      "Change events broadcast on the stream.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "todomirror",
			Subsystem: "server",
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers disconnected because they fell behind.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.writes, m.subscribers, m.broadcasts, m.dropped)
	}
	return m
}
