// Package tools routes model-requested tool calls to local handlers,
// external tool-protocol servers, or workflows, enforcing schema
// validation, permissions, cost estimation, and budget checks before any
// execution happens.
package tools

import (
	"context"
	"time"

	"github.com/openloom/loom/go/orchestrator/internal/llm"
)

// Tool kinds determine routing.
const (
	KindLocal    = "local"
	KindHTTP     = "http"
	KindWorkflow = "workflow"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Cost estimate confidence levels.
const (
	ConfidenceExact    = "exact"
	ConfidenceEstimate = "estimate"
	ConfidenceUnknown  = "unknown"
)

// Handler is an in-process tool implementation.
type Handler func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// CostConfig computes pre-flight cost estimates for a tool.
type CostConfig struct {
	FixedUSD           float64 `json:"fixed_usd"`
	PerUnitUSD         float64 `json:"per_unit_usd"`
	UnitField          string  `json:"unit_field,omitempty"` // input field carrying the unit count
	EstimatedLatencyMs int64   `json:"estimated_latency_ms"`
}

// Definition declares a tool to the registry and, via Spec, to the model.
type Definition struct {
	Name               string                 `json:"name"`
	Description        string                 `json:"description"`
	InputSchema        map[string]interface{} `json:"input_schema"`
	Kind               string                 `json:"kind"`
	Enabled            bool                   `json:"enabled"`
	Cost               CostConfig             `json:"cost"`
	RequiredPermission string                 `json:"required_permission,omitempty"`
	Timeout            time.Duration          `json:"timeout,omitempty"`

	// Routing targets. Exactly one is set, matching Kind.
	Handler    Handler `json:"-"`
	Endpoint   string  `json:"endpoint,omitempty"`
	WorkflowID string  `json:"workflow_id,omitempty"`
}

// Spec is the model-facing declaration.
func (d *Definition) Spec() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: d.InputSchema,
	}
}

// CostEstimate is produced before execution and never mutated.
type CostEstimate struct {
	EstimatedCostUSD   float64 `json:"estimated_cost_usd"`
	EstimatedTokens    int     `json:"estimated_tokens,omitempty"`
	EstimatedLatencyMs int64   `json:"estimated_latency_ms"`
	Confidence         string  `json:"confidence"`
}

// ResultError is the typed failure carried on a Result.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of one tool call. Failures are data, not Go
// errors: the orchestrator feeds them back to the model.
type Result struct {
	ToolCallID string                 `json:"tool_call_id"`
	ToolName   string                 `json:"tool_name"`
	Status     string                 `json:"status"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      *ResultError           `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	CostUSD    float64                `json:"cost_usd,omitempty"`
}

// ExecContext identifies who is executing and under which request.
type ExecContext struct {
	Actor     string
	RequestID string
	Timeout   time.Duration
}

// PermissionChecker is the external entitlement collaborator.
type PermissionChecker interface {
	Allowed(ctx context.Context, actor, permission string) (bool, error)
}

// AllowAll grants every permission; used in tests and single-tenant dev.
type AllowAll struct{}

func (AllowAll) Allowed(ctx context.Context, actor, permission string) (bool, error) {
	return true, nil
}

// BudgetGate is the slice of the budget manager the executor needs.
// Reserve holds the estimate before execution; Commit settles it into
// the actor's spend on success, Release returns it on failure.
type BudgetGate interface {
	Reserve(ctx context.Context, actorID string, estimateUSD float64) error
	Commit(ctx context.Context, actorID, requestID, tool string, costUSD float64) error
	Release(actorID string, estimateUSD float64)
}

// WorkflowInvoker routes workflow-kind tools; implemented by the
// workflow service.
type WorkflowInvoker interface {
	InvokeForTool(ctx context.Context, workflowID string, input map[string]interface{}, triggeredBy string, timeout time.Duration) (map[string]interface{}, error)
}
