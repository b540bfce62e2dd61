// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StagesStarted counts pipeline stage executions by stage kind.
	StagesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blueprint",
		Name:      "pipeline_stages_started_total",
		Help:      "Pipeline stage executions started, by stage.",
	}, []string{"stage"})

	// StageDuration observes wall-clock stage duration in seconds.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "blueprint",
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Pipeline stage duration in seconds, by stage and outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"stage", "outcome"})

	// ProviderFallbacks counts permanent provider switches.
	ProviderFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blueprint",
		Name:      "provider_fallbacks_total",
		Help:      "Permanent generation provider switches.",
	}, []string{"from", "to"})

	// ProviderCalls counts provider invocations by provider and result.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blueprint",
		Name:      "provider_calls_total",
		Help:      "Generation provider invocations, by provider and result.",
	}, []string{"provider", "result"})

	// SearchFailures counts search provider failures by provider.
	SearchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blueprint",
		Name:      "search_failures_total",
		Help:      "Web search provider failures.",
	}, []string{"provider"})

	// BlockErrors counts block-level failures surfaced to clients.
	BlockErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blueprint",
		Name:      "result_block_errors_total",
		Help:      "Result blocks that failed while sibling blocks succeeded.",
	})
)
