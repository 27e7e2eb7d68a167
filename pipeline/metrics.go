package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus instruments. A nil *Metrics
// disables instrumentation; the executor guards every touch.
type Metrics struct {
	// StageRuns counts finished runs by stage and outcome.
	StageRuns *prometheus.CounterVec

	// StageDuration observes end-to-end run duration by stage.
	StageDuration *prometheus.HistogramVec

	// RetryAttempts counts transient-failure retries by stage.
	RetryAttempts *prometheus.CounterVec

	// ParseFallbacks counts runs that fell back to the raw-text result.
	ParseFallbacks *prometheus.CounterVec

	// QueueDepth tracks the executor's queued job count.
	QueueDepth prometheus.Gauge
}

// NewMetrics registers the pipeline instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StageRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_stage_runs_total",
			Help: "Finished stage runs by stage and outcome.",
		}, []string{"stage", "outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_stage_duration_seconds",
			Help:    "End-to-end stage run duration, including retries.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
		RetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_stage_retry_attempts_total",
			Help: "Inference attempts that failed transiently and were retried.",
		}, []string{"stage"}),
		ParseFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_stage_parse_fallbacks_total",
			Help: "Stage runs whose response was stored as raw text.",
		}, []string{"stage"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_executor_queue_depth",
			Help: "Jobs waiting in the executor queue.",
		}),
	}
}
