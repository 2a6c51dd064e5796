package jobq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the Prometheus collectors exported by the Worker Pipeline
// and the Channel Pool, mirroring the counter/gauge/histogram layout the
// retrieval pack uses for its own background worker (worker pool active
// gauge, executions-total counter, execution-duration histogram).
type Metrics struct {
	WorkersActive       prometheus.Gauge
	ChannelPoolFree     prometheus.Gauge
	JobsTotal           *prometheus.CounterVec
	JobDuration         *prometheus.HistogramVec
	RetriesTotal        *prometheus.CounterVec
	PublishAccepted     prometheus.Counter
	PublishBackpressure prometheus.Counter
}

// NewMetrics registers a fresh set of collectors under namespace using the
// default registerer. Callers that need isolation (tests, multiple brokers
// in one process) should pass distinct namespaces.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		WorkersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Number of job handlers currently executing.",
		}),
		ChannelPoolFree: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_pool_free",
			Help:      "Number of channels in the pool immediately acquirable.",
		}),
		JobsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs processed by the worker pipeline, by job name and terminal status.",
		}, []string{"job", "status"}),
		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent inside a job handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		RetriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Retry republishes issued after a failed attempt, by job name.",
		}, []string{"job"}),
		PublishAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_accepted_total",
			Help:      "Publish calls that did not have to block on the flow-control buffer.",
		}),
		PublishBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_backpressure_total",
			Help:      "Publish calls that had to block because the flow-control buffer was full.",
		}),
	}
}
