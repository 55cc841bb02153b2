package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/openloom/loom/go/orchestrator/internal/llm"
)

// Client wraps an llm.Client with a breaker so a failing provider is
// shed quickly instead of burning the request's time budget.
type Client struct {
	inner   llm.Client
	breaker *Breaker
}

func WrapClient(name string, inner llm.Client, config Config, logger *zap.Logger) *Client {
	return &Client{inner: inner, breaker: New(name, config, logger)}
}

func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream admits the request through the breaker and records the stream's
// terminal outcome once it arrives.
func (c *Client) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	generation, err := c.breaker.beforeRequest()
	if err != nil {
		return nil, err
	}
	inner, err := c.inner.Stream(ctx, req)
	if err != nil {
		c.breaker.afterRequest(generation, false)
		return nil, err
	}

	out := make(chan llm.StreamEvent)
	go func() {
		defer close(out)
		success := true
		for ev := range inner {
			if ev.Type == llm.StreamError {
				success = false
			}
			out <- ev
		}
		c.breaker.afterRequest(generation, success)
	}()
	return out, nil
}
