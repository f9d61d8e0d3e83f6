package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized interface for collecting optional application
// metrics under a private registry, so tests can construct independent
// instances without colliding with prometheus.DefaultRegisterer.
type Metrics struct {
	// ModelRequestDuration measures one streamed chat-completion call.
	// Labels: model, outcome (success|retry|failure)
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts chat-completion calls.
	// Labels: model, outcome
	ModelRequestCounter *prometheus.CounterVec

	// TokensUsed tracks prompt/completion token accounting.
	// Labels: model, kind (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_id, outcome (success|failure)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution latency.
	// Labels: tool_id
	ToolExecutionDuration *prometheus.HistogramVec

	// TurnDuration measures one full user-turn (model stream plus every
	// tool round) end to end.
	TurnDuration prometheus.Histogram

	// ContextRemainingHundredths is the most recently observed remaining
	// context-window fraction, in hundredths of a percent.
	ContextRemainingHundredths prometheus.Gauge

	// ApprovalDecisions counts operator approval prompts by outcome.
	// Labels: decision (approved|denied)
	ApprovalDecisions *prometheus.CounterVec
}

// NewMetrics registers every metric against reg and returns the handle.
// Pass prometheus.NewRegistry() for an isolated instance (tests, or
// multiple twiddle processes sharing a host), or
// prometheus.DefaultRegisterer to expose on the process-wide /metrics
// endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "twiddle_model_request_duration_seconds",
				Help:    "Duration of streamed chat-completion requests in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
			},
			[]string{"model", "outcome"},
		),
		ModelRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twiddle_model_requests_total",
				Help: "Total chat-completion requests by model and outcome",
			},
			[]string{"model", "outcome"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twiddle_tokens_total",
				Help: "Total tokens accounted for by model and kind",
			},
			[]string{"model", "kind"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twiddle_tool_executions_total",
				Help: "Total tool executions by tool id and outcome",
			},
			[]string{"tool_id", "outcome"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "twiddle_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"tool_id"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "twiddle_turn_duration_seconds",
				Help:    "Duration of a full user turn in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		ContextRemainingHundredths: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "twiddle_context_remaining_hundredths",
				Help: "Most recently observed remaining context window, in hundredths of a percent",
			},
		),
		ApprovalDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twiddle_approval_decisions_total",
				Help: "Total operator approval decisions by outcome",
			},
			[]string{"decision"},
		),
	}
}
