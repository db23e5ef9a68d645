package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/monitoring"
)

// Metrics tracks the orchestration pipeline.
type Metrics struct {
	JobsCreated     prometheus.Counter
	JobsCompleted   prometheus.Counter
	JobsFailed      *prometheus.CounterVec
	PollsTotal      prometheus.Counter
	RefundsTotal    prometheus.Counter
	JobsInFlight    prometheus.Gauge
	ProviderLatency *prometheus.HistogramVec
}

// NewMetrics registers orchestration metrics with the service collector.
func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		JobsCreated: mc.NewCounter(
			"generation_jobs_created_total",
			"Total generation jobs created",
			[]string{},
		).WithLabelValues(),
		JobsCompleted: mc.NewCounter(
			"generation_jobs_completed_total",
			"Total generation jobs completed successfully",
			[]string{},
		).WithLabelValues(),
		JobsFailed: mc.NewCounter(
			"generation_jobs_failed_total",
			"Total generation jobs failed, by reason",
			[]string{"reason"},
		),
		PollsTotal: mc.NewCounter(
			"generation_polls_total",
			"Total provider status polls issued",
			[]string{},
		).WithLabelValues(),
		RefundsTotal: mc.NewCounter(
			"generation_refunds_total",
			"Total credit refunds applied",
			[]string{},
		).WithLabelValues(),
		JobsInFlight: mc.NewGauge(
			"generation_jobs_in_flight",
			"Jobs currently being uploaded, submitted, or polled",
			[]string{},
		).WithLabelValues(),
		ProviderLatency: mc.NewHistogram(
			"generation_provider_latency_seconds",
			"Latency of provider API calls, by operation",
			[]string{"operation"},
			[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		),
	}
}
