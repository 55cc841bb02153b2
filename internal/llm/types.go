// Package llm defines the provider-agnostic language model client
// abstraction the orchestrator depends on. Concrete providers implement
// Client; the orchestrator never branches on provider.
package llm

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported by providers or synthesized by the loop.
const (
	FinishComplete       = "complete"
	FinishToolCalls      = "tool_calls"
	FinishLength         = "length"
	FinishIterationLimit = "iteration_limit"
)

// Message is one entry in the conversation sent to a model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolDefinition declares a tool to the model. InputSchema is a
// JSON-Schema-like object (type/properties/required).
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Usage tracks token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns combined token count.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// CompletionRequest is the provider-agnostic completion input.
type CompletionRequest struct {
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
}

// CompletionResponse is the provider-agnostic completion output.
type CompletionResponse struct {
	Content      string     `json:"content,omitempty"`
	Model        string     `json:"model,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	FinishReason string     `json:"finish_reason"`
	// MemorySuggestions is the structured side-channel some providers
	// return alongside the visible content.
	MemorySuggestions []string `json:"memory_suggestions,omitempty"`
}

// Stream event types.
const (
	StreamDelta    = "delta"
	StreamToolCall = "tool_call"
	StreamUsage    = "usage"
	StreamDone     = "done"
	StreamError    = "error"
)

// StreamEvent is one increment of a streamed completion. The producing
// client closes the channel after emitting exactly one terminal event
// (done or error).
type StreamEvent struct {
	Type     string              `json:"type"`
	Delta    string              `json:"delta,omitempty"`
	ToolCall *ToolCall           `json:"tool_call,omitempty"`
	Usage    *Usage              `json:"usage,omitempty"`
	Response *CompletionResponse `json:"response,omitempty"`
	Err      error               `json:"-"`
}
