// Package metrics defines the Prometheus collectors for the orchestration
// core. Collectors are registered at import time via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Orchestrator metrics
	RequestsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_orchestrator_requests_total",
			Help: "Total orchestrator requests started",
		},
		[]string{"model", "streaming"},
	)

	RequestsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_orchestrator_requests_completed_total",
			Help: "Total orchestrator requests completed",
		},
		[]string{"model", "finish_reason"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_orchestrator_request_duration_seconds",
			Help:    "Orchestrator request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	LoopIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_orchestrator_iterations",
			Help:    "Reasoning-loop iterations per request",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
		},
	)

	RequestTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_request_tokens_used",
			Help:    "Tokens used per request",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
	)

	RequestCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_request_cost_usd",
			Help:    "Cost in USD per request",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
	)

	// Tool metrics
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tool_executions_total",
			Help: "Total tool executions",
		},
		[]string{"tool", "kind", "status"},
	)

	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_tool_execution_duration_ms",
			Help:    "Tool execution duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
		},
		[]string{"tool"},
	)

	ToolDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tool_denials_total",
			Help: "Tool executions rejected before dispatch",
		},
		[]string{"tool", "reason"},
	)

	// Workflow metrics
	WorkflowInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_workflow_invocations_total",
			Help: "Total workflow invocations dispatched",
		},
		[]string{"workflow", "mode", "status"},
	)

	WorkflowDedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_workflow_dedup_hits_total",
			Help: "Invocations resolved to an existing idempotency record",
		},
	)

	WorkflowQuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_workflow_quota_rejections_total",
			Help: "Invocations rejected by quota policy",
		},
		[]string{"workflow", "reason"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	WebhookCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_workflow_webhook_completions_total",
			Help: "Inbound webhook completions applied",
		},
		[]string{"status"},
	)

	// Budget metrics
	BudgetDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_budget_denials_total",
			Help: "Operations denied by budget checks",
		},
		[]string{"scope"},
	)

	// Streaming metrics
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_stream_events_total",
			Help: "Streaming events published",
		},
		[]string{"type"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_stream_subscribers",
			Help: "Active stream subscribers",
		},
	)

	// Pricing metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_pricing_fallbacks_total",
			Help: "Cost computed with default pricing due to unknown model",
		},
		[]string{"reason"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_circuit_breaker_trips_total",
			Help: "Circuit breaker open transitions",
		},
		[]string{"name"},
	)
)
