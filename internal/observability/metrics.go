package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the activation pipeline.
//
// Tracked series:
//   - activations by bot and outcome (completed, failed, hallucination, skipped)
//   - LLM call latency and token usage, including prompt-cache reads
//   - tool executions by name and status
//   - event-queue drops (full queue vs. locked channel)
type Metrics struct {
	// ActivationCounter counts activations by bot and outcome.
	// Labels: bot, outcome (completed|failed|hallucination|skipped|blocked)
	ActivationCounter *prometheus.CounterVec

	// ActivationDuration measures end-to-end activation latency in seconds.
	// Labels: bot
	ActivationDuration *prometheus.HistogramVec

	// LLMCallDuration measures LLM completion latency in seconds.
	// Labels: provider, model
	LLMCallDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_creation)
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// EventDrops counts dropped transport events.
	// Labels: reason (queue_full|channel_locked|duplicate)
	EventDrops *prometheus.CounterVec

	// ContextRolls counts context truncation rolls.
	// Labels: bot
	ContextRolls *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a private
// registry so parallel tests do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActivationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cordial_activations_total",
				Help: "Activations by bot and outcome.",
			},
			[]string{"bot", "outcome"},
		),
		ActivationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cordial_activation_duration_seconds",
				Help:    "End-to-end activation latency.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"bot"},
		),
		LLMCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cordial_llm_call_duration_seconds",
				Help:    "LLM completion call latency.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cordial_llm_tokens_total",
				Help: "Token consumption by type.",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cordial_tool_executions_total",
				Help: "Tool invocations by name and status.",
			},
			[]string{"tool", "status"},
		),
		EventDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cordial_event_drops_total",
				Help: "Transport events dropped before activation.",
			},
			[]string{"reason"},
		),
		ContextRolls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cordial_context_rolls_total",
				Help: "Context truncation rolls by bot.",
			},
			[]string{"bot"},
		),
	}
}
