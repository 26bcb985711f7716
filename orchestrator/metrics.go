package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	created  prometheus.Counter
	finished *prometheus.CounterVec
	running  prometheus.Gauge
	stages   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ancap",
			Name:      "tasks_created_total",
			Help:      "Tasks accepted for processing.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ancap",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ancap",
			Name:      "tasks_running",
			Help:      "Tasks currently executing in this process.",
		}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ancap",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of pipeline stage executions.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"phase", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.created, m.finished, m.running, m.stages)
	}
	return m
}
