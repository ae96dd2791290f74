// Package metrics holds the prometheus collectors of pipeline execution.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dataflowhub"

// Recorder records execution outcomes. A nil *Recorder records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	executions  *prometheus.CounterVec
	operatorRun *prometheus.CounterVec
	operatorDur *prometheus.HistogramVec
	queueDepth  prometheus.Gauge
	jobsRunning prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWith(reg, reg)
}

func NewWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		gatherer: gatherer,
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Pipeline executions by final status.",
		}, []string{"status"}),
		operatorRun: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_runs_total",
			Help:      "Operator runs by operator and final status.",
		}, []string{"operator", "status"}),
		operatorDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operator_duration_seconds",
			Help:      "Wall time of operator runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"operator"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_depth",
			Help:      "Jobs waiting for a worker.",
		}),
		jobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_jobs_running",
			Help:      "Jobs currently executing.",
		}),
	}
}

func (r *Recorder) Execution(status string) {
	if r == nil {
		return
	}
	r.executions.WithLabelValues(status).Inc()
}

func (r *Recorder) OperatorRun(operator, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.operatorRun.WithLabelValues(operator, status).Inc()
	r.operatorDur.WithLabelValues(operator).Observe(d.Seconds())
}

func (r *Recorder) QueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.jobsRunning.Inc()
}

func (r *Recorder) JobFinished() {
	if r == nil {
		return
	}
	r.jobsRunning.Dec()
}

// Handler serves the registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
