// Package metrics registers the prometheus instruments for the dispatch
// core. A process-wide singleton keeps registration idempotent across
// producer, worker and coordinator instances in the same binary.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PublishTotal   *prometheus.CounterVec
	ProcessedTotal *prometheus.CounterVec
	RetryTotal     *prometheus.CounterVec
	DeadLetterTotal *prometheus.CounterVec
	PoisonTotal     *prometheus.CounterVec
	DuplicateTotal  *prometheus.CounterVec
	DroppedTotal    *prometheus.CounterVec
	ReplayedTotal   *prometheus.CounterVec
	ResponsesTotal  *prometheus.CounterVec
	AuditDropped    prometheus.Counter

	QueueDepth *prometheus.GaugeVec

	ProcessingLatency *prometheus.HistogramVec
	RateLimitWait     *prometheus.HistogramVec
}

var singleton = sync.OnceValue(func() *Metrics {
	return &Metrics{
		PublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "publish_total",
			Help:      "Total publish attempts to organization request exchanges.",
		}, []string{"org", "result"}),
		ProcessedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "processed_total",
			Help:      "Messages by final per-delivery outcome.",
		}, []string{"org", "type", "outcome"}),
		RetryTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "retry_total",
			Help:      "Retries scheduled through delay queues.",
		}, []string{"org"}),
		DeadLetterTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "dead_letter_total",
			Help:      "Messages parked in the dead-letter queue.",
		}, []string{"org"}),
		PoisonTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "poison_quarantine_total",
			Help:      "Messages quarantined after repeated handler failures.",
		}, []string{"org"}),
		DuplicateTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "duplicate_skipped_total",
			Help:      "Deliveries skipped by the idempotency store.",
		}, []string{"org"}),
		DroppedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "backpressure_dropped_total",
			Help:      "Submissions shed client-side by throttle mode.",
		}, []string{"org", "mode"}),
		ReplayedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "dlq_replayed_total",
			Help:      "Dead-lettered messages republished by the replay tool.",
		}, []string{"org"}),
		ResponsesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "responses_total",
			Help:      "Agent responses fanned in by the coordinator.",
		}, []string{"agent", "type"}),
		AuditDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "audit_dropped_total",
			Help:      "Audit writes dropped because the pipeline buffer was full.",
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "queue_depth",
			Help:      "Last observed request-queue depth per organization.",
		}, []string{"org"}),
		ProcessingLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "processing_latency_seconds",
			Help:      "Handler latency distribution.",
			Buckets: []float64{
				0.005, 0.01, 0.025, 0.05,
				0.1, 0.25, 0.5,
				1, 2.5, 5, 10, 30, 60,
			},
		}, []string{"org", "type", "outcome"}),
		RateLimitWait: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time producers spent suspended waiting for tokens.",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.05,
				0.1, 0.5, 1, 5, 15, 60,
			},
		}, []string{"org"}),
	}
})

func Get() *Metrics {
	return singleton()
}
