// Package metrics exposes Prometheus collectors for the pagewatch service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	schedulerTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_scheduler_ticks_total",
			Help: "Total scheduler ticks, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	schedulerTickDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagewatch_scheduler_tick_duration_seconds",
			Help:    "Histogram of tick body durations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	ruleEnqueuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_rule_enqueues_total",
			Help: "Total run-job enqueues, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	blockDetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_block_detections_total",
			Help: "Total block classifications, labeled by block type.",
		},
		[]string{"block_type"},
	)

	providerAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_provider_attempts_total",
			Help: "Total provider fetch attempts, labeled by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	fetchCostUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_fetch_cost_units_total",
			Help: "Total provider cost units spent, labeled by provider.",
		},
		[]string{"provider"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagewatch_runs_total",
			Help: "Total rule runs executed by the worker, labeled by status.",
		},
		[]string{"status"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSchedulerTick records one tick and its duration.
func ObserveSchedulerTick(outcome string, duration time.Duration) {
	schedulerTicksTotal.WithLabelValues(outcome).Inc()
	schedulerTickDurationSeconds.Observe(duration.Seconds())
}

// ObserveRuleEnqueue records one run-job enqueue attempt.
func ObserveRuleEnqueue(outcome string) {
	ruleEnqueuesTotal.WithLabelValues(outcome).Inc()
}

// ObserveBlockDetection records one block classification.
func ObserveBlockDetection(blockType string) {
	blockDetectionsTotal.WithLabelValues(blockType).Inc()
}

// ObserveProviderAttempt records one provider attempt and its cost.
func ObserveProviderAttempt(provider string, outcome string, costUnits float64) {
	providerAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	if costUnits > 0 {
		fetchCostUnitsTotal.WithLabelValues(provider).Add(costUnits)
	}
}

// ObserveRun records one completed rule run.
func ObserveRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}
