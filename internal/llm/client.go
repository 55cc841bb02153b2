package llm

import "context"

// Client is the abstraction the orchestrator calls. One implementation
// exists per provider; the catalog selects which instance serves a model.
type Client interface {
	// Complete performs a single request/response completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Stream performs a streaming completion. The returned channel is
	// closed after a terminal event; cancelling ctx stops the underlying
	// provider call.
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
}
