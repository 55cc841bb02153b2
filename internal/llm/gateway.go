package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
)

// GatewayClient talks to a provider gateway service over HTTP. Each
// provider (anthropic, openai, ...) runs behind its own gateway base URL;
// the wire shape is the provider-agnostic CompletionRequest/Response.
type GatewayClient struct {
	baseURL  string
	provider string
	http     *http.Client
	logger   *zap.Logger
}

// NewGatewayClient creates a client for one provider gateway.
func NewGatewayClient(provider, baseURL string, timeout time.Duration, logger *zap.Logger) *GatewayClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GatewayClient{
		baseURL:  baseURL,
		provider: provider,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Complete posts the completion request and decodes the terminal response.
func (c *GatewayClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, llmerrors.Wrap(llmerrors.CodeTimeout, "completion call cancelled", ctx.Err())
		}
		return nil, llmerrors.Wrap(llmerrors.CodeModelError, "completion call failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, llmerrors.Newf(llmerrors.CodeRateLimited, "provider %s rate limited", c.provider)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("gateway completion error",
			zap.String("provider", c.provider),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw),
		)
		return nil, llmerrors.Newf(llmerrors.CodeModelError, "provider %s returned status %d", c.provider, resp.StatusCode)
	}

	var out CompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, llmerrors.Wrap(llmerrors.CodeModelError, "decode completion response", err)
	}
	return &out, nil
}

// Stream posts the request to the streaming endpoint and forwards
// newline-delimited JSON events on a channel. The channel is closed after
// a terminal done or error event; cancelling ctx aborts the read and
// still produces a terminal event.
func (c *GatewayClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	// Streaming responses are bounded by ctx, not the client timeout.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, llmerrors.Wrap(llmerrors.CodeModelError, "stream call failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, llmerrors.Newf(llmerrors.CodeModelError, "provider %s stream returned status %d: %s", c.provider, resp.StatusCode, string(raw))
	}

	ch := make(chan StreamEvent, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		terminal := false
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var evt StreamEvent
			if err := json.Unmarshal(line, &evt); err != nil {
				c.logger.Warn("dropping malformed stream event", zap.Error(err))
				continue
			}
			select {
			case ch <- evt:
			case <-ctx.Done():
				select {
				case ch <- StreamEvent{Type: StreamError, Err: ctx.Err()}:
				default:
				}
				return
			}
			if evt.Type == StreamDone || evt.Type == StreamError {
				terminal = true
				return
			}
		}
		if !terminal {
			// Connection ended without a terminal event.
			err := scanner.Err()
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			select {
			case ch <- StreamEvent{Type: StreamError, Err: llmerrors.Wrap(llmerrors.CodeModelError, "stream ended unexpectedly", err)}:
			default:
			}
		}
	}()
	return ch, nil
}
