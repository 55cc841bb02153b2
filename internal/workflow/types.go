package workflow

import (
	"time"

	"github.com/openloom/loom/go/orchestrator/internal/retry"
)

// Invocation statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusTimeout = "timeout"
)

// TriggeredBy values recorded on every invocation.
const (
	TriggerAI     = "ai"
	TriggerUser   = "user"
	TriggerSystem = "system"
)

// QuotaPolicy bounds how often and how widely a workflow may run.
// Zero values mean unlimited.
type QuotaPolicy struct {
	MaxInvocationsPerWindow int           `json:"max_invocations_per_window"`
	Window                  time.Duration `json:"window"`
	MaxConcurrent           int           `json:"max_concurrent"`
}

// Workflow is a registered, invokable unit of external automation.
type Workflow struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	Description        string                 `json:"description"`
	InputSchema        map[string]interface{} `json:"input_schema,omitempty"`
	TaskQueue          string                 `json:"task_queue,omitempty"`
	Timeout            time.Duration          `json:"timeout"`
	Enabled            bool                   `json:"enabled"`
	RequiredPermission string                 `json:"required_permission,omitempty"`
	Quota              QuotaPolicy            `json:"quota"`
	Retry              *retry.Policy          `json:"retry,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// Invocation is the persisted record of one dispatch.
type Invocation struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
	ExternalID     string                 `json:"external_id,omitempty"`
	TriggeredBy    string                 `json:"triggered_by"`
	Status         string                 `json:"status"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Output         map[string]interface{} `json:"output,omitempty"`
	ErrorCode      string                 `json:"error_code,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Terminal reports whether the invocation has reached a final status.
func (i *Invocation) Terminal() bool {
	switch i.Status {
	case StatusSuccess, StatusFailure, StatusTimeout:
		return true
	}
	return false
}

// WebhookPayload is what the external engine posts on completion.
type WebhookPayload struct {
	InvocationID string                 `json:"invocation_id,omitempty"`
	ExternalID   string                 `json:"external_id,omitempty"`
	Status       string                 `json:"status"`
	Output       map[string]interface{} `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
}
