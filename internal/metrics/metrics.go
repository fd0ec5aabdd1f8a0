// Package metrics exposes Prometheus collectors for job throughput, GPU
// utilization, and scheduler tick latency, served at /metrics by httpapi.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the control plane's Prometheus collectors. Register
// attaches them to a registry; callers typically use
// prometheus.DefaultRegisterer. The scheduler updates the job and tick
// collectors; JobsSubmittedTotal, GPUsTotal and GPUsBusy are registered
// but no code path updates them, so they stay at zero.
type Metrics struct {
	JobsSubmittedTotal  prometheus.Counter
	JobsCompletedTotal  *prometheus.CounterVec
	JobsRunning         prometheus.Gauge
	JobsQueued          prometheus.Gauge
	GPUsTotal           prometheus.Gauge
	GPUsBusy            prometheus.Gauge
	SchedulerTickSeconds prometheus.Histogram
	SchedulerTaskErrors *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		JobsSubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_jobs_submitted_total",
			Help: "Total jobs submitted.",
		}),
		JobsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_jobs_completed_total",
			Help: "Total jobs reaching a terminal state, by status.",
		}, []string{"status"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_jobs_running",
			Help: "Jobs currently running.",
		}),
		JobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_jobs_queued",
			Help: "Jobs currently queued.",
		}),
		GPUsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_gpus_total",
			Help: "GPUs visible to the probe.",
		}),
		GPUsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_gpus_busy",
			Help: "GPUs currently assigned to a running job.",
		}),
		SchedulerTickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexus_scheduler_tick_seconds",
			Help:    "Wall-clock duration of a scheduler tick.",
			Buckets: prometheus.DefBuckets,
		}),
		SchedulerTaskErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_scheduler_task_errors_total",
			Help: "Scheduler task failures, by task name.",
		}, []string{"task"}),
	}
}

// Register attaches every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.JobsSubmittedTotal,
		m.JobsCompletedTotal,
		m.JobsRunning,
		m.JobsQueued,
		m.GPUsTotal,
		m.GPUsBusy,
		m.SchedulerTickSeconds,
		m.SchedulerTaskErrors,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
