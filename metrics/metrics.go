// Package metrics exposes Prometheus instrumentation for the workflow
// queue and garbage collector.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors the queue and GC publish to. Register
// attaches them to a prometheus.Registerer (typically
// prometheus.DefaultRegisterer).
type Metrics struct {
	QueueInflight    prometheus.Gauge
	QueueDispatched  *prometheus.CounterVec
	QueuePollErrors  prometheus.Counter
	GCSweeps         prometheus.Counter
	GCRescued        *prometheus.CounterVec
	ActivityDuration *prometheus.HistogramVec
}

// New constructs the collector set without registering it.
func New() *Metrics {
	return &Metrics{
		QueueInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saga_queue_inflight",
			Help: "Number of workflows currently dispatched and in flight.",
		}),
		QueueDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_queue_dispatched_total",
			Help: "Total workflows dispatched by the queue, by workflow type.",
		}, []string{"type"}),
		QueuePollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_queue_poll_errors_total",
			Help: "Total errors encountered while polling the store for executable workflows.",
		}),
		GCSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_gc_sweeps_total",
			Help: "Total garbage collector sweep cycles run.",
		}),
		GCRescued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_gc_rescued_total",
			Help: "Total workflows rescued by the garbage collector, by workflow type.",
		}, []string{"type"}),
		ActivityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_activity_duration_seconds",
			Help:    "Duration of activity plugin Execute/Rollback calls.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"type", "op", "outcome"}),
	}
}

// Register attaches every collector in m to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.QueueInflight, m.QueueDispatched, m.QueuePollErrors,
		m.GCSweeps, m.GCRescued, m.ActivityDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
