package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pool's Prometheus instruments.
type Metrics struct {
	TaskDuration  *prometheus.HistogramVec
	SLAViolations *prometheus.CounterVec
	Workers       prometheus.Gauge
}

// NewMetrics creates and registers the pool metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lanepipe",
			Subsystem: "pool",
			Name:      "task_duration_seconds",
			Help:      "Wall clock duration of stage tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		SLAViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanepipe",
			Subsystem: "pool",
			Name:      "sla_violations_total",
			Help:      "SLA violations by severity.",
		}, []string{"severity"}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lanepipe",
			Subsystem: "pool",
			Name:      "workers",
			Help:      "Sized worker count.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TaskDuration, m.SLAViolations, m.Workers)
	}
	return m
}
