package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openloom/loom/go/orchestrator/internal/llm"
	"github.com/openloom/loom/go/orchestrator/internal/orchestrator"
	"github.com/openloom/loom/go/orchestrator/internal/prompt"
	"github.com/openloom/loom/go/orchestrator/internal/streaming"
)

// Runner is the slice of the orchestrator the transport needs.
type Runner interface {
	RunStream(ctx context.Context, actx *prompt.AIContext, cfg orchestrator.Config) (<-chan streaming.Event, error)
}

// ToolSource lists the tool definitions offered to the model;
// implemented by the tool registry.
type ToolSource interface {
	Specs() []llm.ToolDefinition
}

// RequestHandler accepts new orchestrator requests. The response carries
// the request id; clients follow progress on the SSE stream.
type RequestHandler struct {
	runner   Runner
	toolSrc  ToolSource
	defaults orchestrator.Config
	logger   *zap.Logger
}

func NewRequestHandler(runner Runner, toolSrc ToolSource, defaults orchestrator.Config, logger *zap.Logger) *RequestHandler {
	return &RequestHandler{runner: runner, toolSrc: toolSrc, defaults: defaults, logger: logger}
}

// RegisterRoutes registers the dispatch route on the provided mux.
func (h *RequestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/requests", h.handleCreate)
}

type createRequest struct {
	Model        string                 `json:"model"`
	Actor        string                 `json:"actor"`
	SystemPrompt string                 `json:"system_prompt"`
	Preferences  prompt.Preferences     `json:"preferences"`
	Memories     []prompt.MemoryItem    `json:"memories,omitempty"`
	Knowledge    []prompt.KnowledgeItem `json:"knowledge,omitempty"`
	Messages     []llmMessages          `json:"messages"`
	ToolsEnabled bool                   `json:"tools_enabled"`
}

type llmMessages struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// POST /requests
func (h *RequestHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		http.Error(w, `{"error":"model and messages required"}`, http.StatusBadRequest)
		return
	}

	actx := &prompt.AIContext{
		SystemPrompt: req.SystemPrompt,
		Preferences:  req.Preferences,
		Memories:     req.Memories,
		Knowledge:    req.Knowledge,
	}
	for _, m := range req.Messages {
		actx.Messages = append(actx.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	if req.ToolsEnabled && h.toolSrc != nil {
		actx.Tools = h.toolSrc.Specs()
	}

	cfg := h.defaults
	cfg.Model = req.Model
	cfg.Actor = req.Actor
	cfg.RequestID = uuid.New().String()
	cfg.ToolsEnabled = req.ToolsEnabled

	// The run outlives this HTTP exchange; its lifetime is bounded by the
	// orchestrator's own total timeout.
	events, err := h.runner.RunStream(context.Background(), actx, cfg)
	if err != nil {
		h.logger.Error("dispatch failed", zap.Error(err))
		http.Error(w, `{"error":"dispatch failed"}`, http.StatusInternalServerError)
		return
	}
	go func() {
		for range events {
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"request_id": cfg.RequestID})
}
