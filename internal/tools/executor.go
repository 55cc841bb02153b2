package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/openloom/loom/go/orchestrator/internal/audit"
	"github.com/openloom/loom/go/orchestrator/internal/llm"
	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
	"github.com/openloom/loom/go/orchestrator/internal/metrics"
	"github.com/openloom/loom/go/orchestrator/internal/tracing"
)

// defaultToolTimeout applies when neither the definition nor the exec
// context bounds the call.
const defaultToolTimeout = 30 * time.Second

// Executor runs tool calls through the governance pipeline: resolve,
// validate, authorize, estimate, budget-check, route, record. A failing
// tool never aborts the orchestrator loop; failures come back as Result
// values the model can reason about.
type Executor struct {
	registry    *Registry
	permissions PermissionChecker
	budget      BudgetGate
	workflows   WorkflowInvoker
	auditLog    *audit.Logger
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewExecutor wires the executor's collaborators.
func NewExecutor(registry *Registry, permissions PermissionChecker, budget BudgetGate, workflows WorkflowInvoker, auditLog *audit.Logger, logger *zap.Logger) *Executor {
	return &Executor{
		registry:    registry,
		permissions: permissions,
		budget:      budget,
		workflows:   workflows,
		auditLog:    auditLog,
		httpClient:  &http.Client{},
		logger:      logger,
	}
}

// Execute runs one tool call. Every rejection and failure is reported as
// a Result with status failure and a typed error code.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall, ec ExecContext) Result {
	ctx, span := tracing.StartSpan(ctx, "tool.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool", call.Name),
		attribute.String("request_id", ec.RequestID),
	)

	start := time.Now()
	res := Result{ToolCallID: call.ID, ToolName: call.Name}

	// 1. Resolve.
	def, ok := e.registry.Get(call.Name)
	if !ok || !def.Enabled {
		metrics.ToolDenials.WithLabelValues(call.Name, "not_found").Inc()
		return e.fail(res, start, llmerrors.CodeNotFound, fmt.Sprintf("tool %q is not available", call.Name))
	}

	// 2. Validate input against the declared schema.
	if err := ValidateInput(def.InputSchema, call.Input); err != nil {
		metrics.ToolDenials.WithLabelValues(call.Name, "invalid_input").Inc()
		return e.fail(res, start, llmerrors.CodeInvalidInput, err.Error())
	}

	// 3. Permission.
	if def.RequiredPermission != "" {
		allowed, err := e.permissions.Allowed(ctx, ec.Actor, def.RequiredPermission)
		if err != nil {
			return e.fail(res, start, llmerrors.CodeToolError, "permission check failed")
		}
		if !allowed {
			metrics.ToolDenials.WithLabelValues(call.Name, "permission").Inc()
			return e.fail(res, start, llmerrors.CodePermissionDenied,
				fmt.Sprintf("actor lacks %q", def.RequiredPermission))
		}
	}

	// 4+5. Estimate cost and check the budget before any execution.
	estimate := def.Estimate(call.Input)
	if err := e.budget.Reserve(ctx, ec.Actor, estimate.EstimatedCostUSD); err != nil {
		metrics.ToolDenials.WithLabelValues(call.Name, "budget").Inc()
		code := llmerrors.CodeOf(err)
		if code == "" {
			code = llmerrors.CodeBudgetExceeded
		}
		return e.fail(res, start, code, "tool call would exceed the remaining budget")
	}
	settled := false
	defer func() {
		if !settled {
			e.budget.Release(ec.Actor, estimate.EstimatedCostUSD)
		}
	}()

	e.auditLog.Dispatch("tool", def.Name, ec.Actor, ec.RequestID, call.Input)

	// 6. Route by kind under the per-tool timeout.
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = ec.Timeout
	}
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.route(execCtx, def, call.Input, ec)
	duration := time.Since(start)

	// 7. Record outcome.
	if err != nil {
		code := llmerrors.CodeOf(err)
		if code == "" {
			code = llmerrors.CodeToolError
		}
		if execCtx.Err() == context.DeadlineExceeded {
			code = llmerrors.CodeTimeout
		}
		e.logger.Warn("tool execution failed",
			zap.String("tool", def.Name),
			zap.String("request_id", ec.RequestID),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		res = e.fail(res, start, code, llmerrors.UserFacingMessage(err))
	} else {
		res.Status = StatusSuccess
		res.Output = output
		res.DurationMs = duration.Milliseconds()
		res.CostUSD = estimate.EstimatedCostUSD
		// Settle the reservation into actual spend so successive calls
		// see a reduced budget.
		if err := e.budget.Commit(ctx, ec.Actor, ec.RequestID, def.Name, res.CostUSD); err != nil {
			e.logger.Error("tool cost settlement failed",
				zap.String("tool", def.Name),
				zap.String("request_id", ec.RequestID),
				zap.Error(err),
			)
		}
		settled = true
	}

	metrics.ToolExecutions.WithLabelValues(def.Name, def.Kind, res.Status).Inc()
	metrics.ToolExecutionDuration.WithLabelValues(def.Name).Observe(float64(res.DurationMs))
	e.auditLog.Outcome("tool", def.Name, ec.Actor, ec.RequestID, res.Status, res.DurationMs, call.Input)
	return res
}

func (e *Executor) route(ctx context.Context, def *Definition, input map[string]interface{}, ec ExecContext) (map[string]interface{}, error) {
	switch def.Kind {
	case KindLocal:
		return def.Handler(ctx, input)
	case KindHTTP:
		return e.callHTTP(ctx, def, input)
	case KindWorkflow:
		if e.workflows == nil {
			return nil, llmerrors.New(llmerrors.CodeWorkflowError, "workflow routing not configured")
		}
		return e.workflows.InvokeForTool(ctx, def.WorkflowID, input, "ai", def.Timeout)
	default:
		return nil, llmerrors.Newf(llmerrors.CodeToolError, "unknown tool kind %q", def.Kind)
	}
}

// callHTTP invokes an external tool-protocol server: structured JSON in,
// structured JSON or typed error out.
func (e *Executor) callHTTP(ctx context.Context, def *Definition, input map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{
		"tool":  def.Name,
		"input": input,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tool request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, def.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, llmerrors.Wrap(llmerrors.CodeToolError, "tool call failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e.logger.Error("tool server error",
			zap.String("tool", def.Name),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw),
		)
		return nil, llmerrors.Newf(llmerrors.CodeToolError, "tool server returned status %d", resp.StatusCode)
	}

	var out struct {
		Output map[string]interface{} `json:"output"`
		Error  *ResultError           `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, llmerrors.Wrap(llmerrors.CodeToolError, "decode tool response", err)
	}
	if out.Error != nil {
		return nil, llmerrors.Newf(llmerrors.CodeToolError, "tool reported %s", out.Error.Code)
	}
	return out.Output, nil
}

func (e *Executor) fail(res Result, start time.Time, code llmerrors.ErrorCode, message string) Result {
	res.Status = StatusFailure
	res.Error = &ResultError{Code: string(code), Message: message}
	res.DurationMs = time.Since(start).Milliseconds()
	return res
}
