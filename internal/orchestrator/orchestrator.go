// Package orchestrator runs the agentic loop: assemble the layered
// prompt, call the model, execute requested tools, feed results back,
// and stop at the configured iteration, tool-call, and time limits.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/openloom/loom/go/orchestrator/internal/budget"
	"github.com/openloom/loom/go/orchestrator/internal/llm"
	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
	"github.com/openloom/loom/go/orchestrator/internal/memory"
	"github.com/openloom/loom/go/orchestrator/internal/metrics"
	"github.com/openloom/loom/go/orchestrator/internal/pricing"
	"github.com/openloom/loom/go/orchestrator/internal/prompt"
	"github.com/openloom/loom/go/orchestrator/internal/streaming"
	"github.com/openloom/loom/go/orchestrator/internal/tools"
	"github.com/openloom/loom/go/orchestrator/internal/tracing"
)

// Loop defaults, overridable per request.
const (
	DefaultMaxIterations = 10
	DefaultMaxToolCalls  = 20
	DefaultTotalTimeout  = 2 * time.Minute
)

// degradedContent is the user-facing text returned when the loop runs
// out of iterations without reaching a terminal response.
const degradedContent = "I wasn't able to complete this task within my processing limits. " +
	"The request may be too complex; try breaking it into smaller steps."

// Config bounds one orchestrator run.
type Config struct {
	Model           string
	MaxIterations   int
	MaxToolCalls    int
	TotalTimeout    time.Duration
	ToolCallTimeout time.Duration
	MaxOutputTokens int
	Temperature     float64
	ToolsEnabled    bool
	Actor           string
	RequestID       string
	TokenBudget     prompt.TokenBudget
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = DefaultMaxToolCalls
	}
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = DefaultTotalTimeout
	}
	if c.RequestID == "" {
		c.RequestID = uuid.New().String()
	}
}

// Result is the terminal outcome of a run.
type Result struct {
	RequestID         string         `json:"request_id"`
	Content           string         `json:"content"`
	Model             string         `json:"model"`
	Usage             llm.Usage      `json:"usage"`
	CostUSD           float64        `json:"cost_usd"`
	ToolCalls         []tools.Result `json:"tool_calls,omitempty"`
	MemorySuggestions []string       `json:"memory_suggestions,omitempty"`
	FinishReason      string         `json:"finish_reason"`
	Iterations        int            `json:"iterations"`
}

// ToolRunner executes one governed tool call.
type ToolRunner interface {
	Execute(ctx context.Context, call llm.ToolCall, ec tools.ExecContext) tools.Result
}

// UsageRecorder persists token usage and cost after a run.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u *budget.Usage) error
}

// Orchestrator drives the loop. One instance serves all requests;
// per-request state lives on the stack of Run/RunStream.
type Orchestrator struct {
	catalog   *llm.Catalog
	assembler *prompt.Assembler
	toolRun   ToolRunner
	extractor *memory.Extractor
	usage     UsageRecorder
	prices    *pricing.Table
	streams   *streaming.Manager
	logger    *zap.Logger
}

func New(catalog *llm.Catalog, assembler *prompt.Assembler, toolRun ToolRunner, extractor *memory.Extractor, usage UsageRecorder, prices *pricing.Table, streams *streaming.Manager, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		catalog:   catalog,
		assembler: assembler,
		toolRun:   toolRun,
		extractor: extractor,
		usage:     usage,
		prices:    prices,
		streams:   streams,
		logger:    logger,
	}
}

// runState is the per-request mutable loop state.
type runState struct {
	messages       []llm.Message
	toolSpecs      []llm.ToolDefinition
	iterations     int
	totalToolCalls int
	toolResults    []tools.Result
	usage          llm.Usage
	start          time.Time
}

// Run executes the loop to completion and returns the terminal result.
func (o *Orchestrator) Run(ctx context.Context, actx *prompt.AIContext, cfg Config) (*Result, error) {
	cfg.applyDefaults()
	metrics.RequestsStarted.WithLabelValues(cfg.Model, "false").Inc()
	start := time.Now()

	res, err := o.run(ctx, actx, cfg, nil)

	outcome := "error"
	if err != nil {
		if code := llmerrors.CodeOf(err); code != "" {
			outcome = string(code)
		}
	} else {
		outcome = res.FinishReason
		metrics.LoopIterations.Observe(float64(res.Iterations))
	}
	metrics.RequestsCompleted.WithLabelValues(cfg.Model, outcome).Inc()
	metrics.RequestDuration.WithLabelValues(cfg.Model).Observe(time.Since(start).Seconds())
	return res, err
}

// emitFn forwards streaming events; nil in the non-streaming path.
type emitFn func(streaming.Event)

func (o *Orchestrator) run(ctx context.Context, actx *prompt.AIContext, cfg Config, emit emitFn) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", cfg.RequestID),
		attribute.String("model", cfg.Model),
	)

	entry, ok := o.catalog.Entry(cfg.Model)
	if !ok {
		return nil, llmerrors.Newf(llmerrors.CodeModelError, "model %q is not in the catalog", cfg.Model)
	}
	client, err := o.catalog.ClientFor(cfg.Model)
	if err != nil {
		return nil, err
	}

	maxOutput := cfg.MaxOutputTokens
	if maxOutput <= 0 || maxOutput > entry.MaxOutputTokens {
		maxOutput = entry.MaxOutputTokens
	}
	tokenBudget := cfg.TokenBudget
	if tokenBudget.Total <= 0 {
		tokenBudget.Total = entry.MaxInputTokens
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.TotalTimeout)
	defer cancel()

	// The assembler keys the tool guardrail on the declared tools, so a
	// disabled run must not present any.
	if !cfg.ToolsEnabled && len(actx.Tools) > 0 {
		trimmed := *actx
		trimmed.Tools = nil
		actx = &trimmed
	}

	messages, report, err := o.assembler.Assemble(actx, tokenBudget)
	if err != nil {
		return nil, err
	}
	if report.Truncated {
		o.logger.Debug("context truncated during assembly",
			zap.String("request_id", cfg.RequestID),
			zap.Int("memories_dropped", report.MemoriesDropped),
			zap.Int("history_dropped", report.HistoryDropped),
		)
	}

	state := &runState{messages: messages, start: time.Now()}
	if cfg.ToolsEnabled {
		state.toolSpecs = actx.Tools
	}

	for {
		state.iterations++
		if state.iterations > cfg.MaxIterations {
			// Running out of iterations is a plannable outcome, not an
			// error: produce a degraded response the caller can show. The
			// iteration that tripped the cap never ran, so it is not
			// counted.
			state.iterations = cfg.MaxIterations
			o.logger.Info("iteration limit reached",
				zap.String("request_id", cfg.RequestID),
				zap.Int("iterations", cfg.MaxIterations),
			)
			return o.finish(ctx, cfg, entry, state, &llm.CompletionResponse{
				Content:      degradedContent,
				Model:        cfg.Model,
				FinishReason: llm.FinishIterationLimit,
			}), nil
		}
		if time.Since(state.start) > cfg.TotalTimeout || ctx.Err() != nil {
			return nil, llmerrors.Newf(llmerrors.CodeTimeout,
				"request exceeded its %s time budget", cfg.TotalTimeout)
		}
		resp, err := o.completeOnce(ctx, client, cfg, state, maxOutput, emit)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, llmerrors.Wrap(llmerrors.CodeTimeout, "model call exceeded the time budget", err)
			}
			return nil, err
		}
		state.usage.InputTokens += resp.Usage.InputTokens
		state.usage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			return o.finish(ctx, cfg, entry, state, resp), nil
		}

		state.totalToolCalls += len(resp.ToolCalls)
		if state.totalToolCalls > cfg.MaxToolCalls {
			// Unlike the iteration cap this is a hard stop: the model is
			// looping on tools and feeding it more results will not help.
			return nil, llmerrors.Newf(llmerrors.CodeToolLimit,
				"request exceeded the limit of %d tool calls", cfg.MaxToolCalls)
		}

		state.messages = append(state.messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			if emit != nil {
				emit(streaming.Event{
					Type:       streaming.TypeToolStart,
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Payload:    call.Input,
				})
			}
			result := o.toolRun.Execute(ctx, call, tools.ExecContext{
				Actor:     cfg.Actor,
				RequestID: cfg.RequestID,
				Timeout:   cfg.ToolCallTimeout,
			})
			state.toolResults = append(state.toolResults, result)
			state.messages = append(state.messages, toolResultMessage(result))
			if emit != nil {
				emit(streaming.Event{
					Type:       streaming.TypeToolComplete,
					ToolCallID: result.ToolCallID,
					ToolName:   result.ToolName,
					Payload:    toolCompletePayload(result),
				})
			}
		}
	}
}

// completeOnce performs one model call, streaming or not.
func (o *Orchestrator) completeOnce(ctx context.Context, client llm.Client, cfg Config, state *runState, maxOutput int, emit emitFn) (*llm.CompletionResponse, error) {
	req := llm.CompletionRequest{
		Messages:    state.messages,
		Tools:       state.toolSpecs,
		Model:       cfg.Model,
		MaxTokens:   maxOutput,
		Temperature: cfg.Temperature,
	}
	if emit == nil {
		return client.Complete(ctx, req)
	}
	return o.consumeStream(ctx, client, req, emit)
}

// consumeStream folds a provider event stream into one response,
// forwarding content deltas as they arrive. Tool calls are join points:
// the loop only acts on them once the stream is complete.
func (o *Orchestrator) consumeStream(ctx context.Context, client llm.Client, req llm.CompletionRequest, emit emitFn) (*llm.CompletionResponse, error) {
	events, err := client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &llm.CompletionResponse{Model: req.Model}
	for ev := range events {
		switch ev.Type {
		case llm.StreamDelta:
			resp.Content += ev.Delta
			emit(streaming.Event{Type: streaming.TypeMessageDelta, Content: ev.Delta})
		case llm.StreamToolCall:
			if ev.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *ev.ToolCall)
			}
		case llm.StreamUsage:
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
		case llm.StreamDone:
			if ev.Response != nil {
				return ev.Response, nil
			}
			if resp.FinishReason == "" {
				if len(resp.ToolCalls) > 0 {
					resp.FinishReason = llm.FinishToolCalls
				} else {
					resp.FinishReason = llm.FinishComplete
				}
			}
			return resp, nil
		case llm.StreamError:
			if ev.Err != nil {
				return nil, ev.Err
			}
			return nil, llmerrors.New(llmerrors.CodeModelError, "provider stream failed")
		}
	}
	return nil, llmerrors.New(llmerrors.CodeModelError, "provider stream ended without a terminal event")
}

// finish builds the terminal result: memory extraction, artifact
// stripping, usage accounting.
func (o *Orchestrator) finish(ctx context.Context, cfg Config, entry llm.ModelEntry, state *runState, resp *llm.CompletionResponse) *Result {
	suggestions, cleaned := o.extractor.Extract(resp.MemorySuggestions, resp.Content)

	cost := o.prices.CostForSplit(cfg.Model, state.usage.InputTokens, state.usage.OutputTokens)
	metrics.RequestTokensUsed.Observe(float64(state.usage.InputTokens + state.usage.OutputTokens))
	metrics.RequestCostUSD.Observe(cost)

	if o.usage != nil && state.usage.InputTokens+state.usage.OutputTokens > 0 {
		u := &budget.Usage{
			ActorID:        cfg.Actor,
			RequestID:      cfg.RequestID,
			Model:          cfg.Model,
			Provider:       entry.Provider,
			InputTokens:    state.usage.InputTokens,
			OutputTokens:   state.usage.OutputTokens,
			CostUSD:        cost,
			Timestamp:      time.Now().UTC(),
			IdempotencyKey: cfg.RequestID,
		}
		if err := o.usage.RecordUsage(ctx, u); err != nil {
			o.logger.Error("usage recording failed",
				zap.String("request_id", cfg.RequestID),
				zap.Error(err),
			)
		}
	}

	finish := resp.FinishReason
	if finish == "" {
		finish = llm.FinishComplete
	}
	return &Result{
		RequestID:         cfg.RequestID,
		Content:           cleaned,
		Model:             cfg.Model,
		Usage:             state.usage,
		CostUSD:           cost,
		ToolCalls:         state.toolResults,
		MemorySuggestions: suggestions,
		FinishReason:      finish,
		Iterations:        state.iterations,
	}
}

func toolResultMessage(result tools.Result) llm.Message {
	payload := map[string]interface{}{"status": result.Status}
	if result.Output != nil {
		payload["output"] = result.Output
	}
	if result.Error != nil {
		payload["error"] = map[string]interface{}{
			"code":    result.Error.Code,
			"message": result.Error.Message,
		}
	}
	raw, _ := json.Marshal(payload)
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    string(raw),
		ToolCallID: result.ToolCallID,
		Name:       result.ToolName,
	}
}

func toolCompletePayload(result tools.Result) map[string]interface{} {
	payload := map[string]interface{}{
		"status":      result.Status,
		"duration_ms": result.DurationMs,
	}
	if result.Output != nil {
		payload["output"] = result.Output
	}
	if result.Error != nil {
		payload["error_code"] = result.Error.Code
	}
	return payload
}
