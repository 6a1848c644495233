package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the rule engine.
type Metrics struct {
	InvocationsTotal *prometheus.CounterVec
	CompletionsTotal *prometheus.CounterVec

	RuleMatchesTotal *prometheus.CounterVec
	RuleFiringsTotal *prometheus.CounterVec
	RuleErrorsTotal  *prometheus.CounterVec
	RuleEvalDuration *prometheus.HistogramVec
	CyclesTotal      prometheus.Counter
	QuotaExceeded    prometheus.Counter
	QueueDepth       prometheus.Gauge
}

// NewMetrics returns the process-wide engine metrics, registering them on
// first use. Engines in one process (tests included) share them.
//
// Metrics:
//   - syncflow_invocations_total{action}
//   - syncflow_completions_total{action, outcome}
//   - syncflow_rule_matches_total{rule}: environments after matching
//   - syncflow_rule_firings_total{rule}: claimed firings
//   - syncflow_rule_errors_total{rule, phase}
//   - syncflow_rule_eval_duration_seconds{rule}
//   - syncflow_cycles_total, syncflow_quota_exceeded_total
//   - syncflow_queue_depth
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			InvocationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "syncflow_invocations_total",
					Help: "Total number of invocations executed",
				},
				[]string{"action"},
			),
			CompletionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "syncflow_completions_total",
					Help: "Total number of completions recorded",
				},
				[]string{"action", "outcome"},
			),
			RuleMatchesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "syncflow_rule_matches_total",
					Help: "Total number of environments produced by pattern matching",
				},
				[]string{"rule"},
			),
			RuleFiringsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "syncflow_rule_firings_total",
					Help: "Total number of rule firings claimed and dispatched",
				},
				[]string{"rule"},
			),
			RuleErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "syncflow_rule_errors_total",
					Help: "Total number of rule evaluation errors",
				},
				[]string{"rule", "phase"},
			),
			RuleEvalDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "syncflow_rule_eval_duration_seconds",
					Help:    "Duration of rule matching and refinement in seconds",
					Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
				},
				[]string{"rule"},
			),
			CyclesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "syncflow_cycles_total",
				Help: "Total number of firings skipped by cycle detection",
			}),
			QuotaExceeded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "syncflow_quota_exceeded_total",
				Help: "Total number of completions rejected by the step quota",
			}),
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "syncflow_queue_depth",
				Help: "Events waiting in the engine queue",
			}),
		}
	})
	return globalMetrics
}
