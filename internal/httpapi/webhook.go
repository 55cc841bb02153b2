package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
	"github.com/openloom/loom/go/orchestrator/internal/workflow"
)

// WebhookHandler receives completion callbacks from the external
// workflow engine. Applying a completion is idempotent, so duplicate
// deliveries get a 200 like the first one.
type WebhookHandler struct {
	service *workflow.Service
	logger  *zap.Logger
}

func NewWebhookHandler(service *workflow.Service, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, logger: logger}
}

// RegisterRoutes registers the webhook route on the provided mux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/workflows/webhook", h.handleWebhook)
}

// POST /workflows/webhook
func (h *WebhookHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var payload workflow.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	if err := h.service.HandleWebhook(r.Context(), payload); err != nil {
		code := llmerrors.CodeOf(err)
		status := http.StatusInternalServerError
		switch code {
		case llmerrors.CodeNotFound:
			status = http.StatusNotFound
		case llmerrors.CodeInvalidInput:
			status = http.StatusBadRequest
		}
		h.logger.Warn("webhook rejected",
			zap.String("invocation_id", payload.InvocationID),
			zap.String("external_id", payload.ExternalID),
			zap.Error(err),
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": string(code)})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
