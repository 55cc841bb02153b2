package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
	"github.com/openloom/loom/go/orchestrator/internal/metrics"
	"github.com/openloom/loom/go/orchestrator/internal/prompt"
	"github.com/openloom/loom/go/orchestrator/internal/streaming"
)

// RunStream executes the loop while forwarding protocol events. The
// returned channel is closed after exactly one done event, on every
// path. Events are also published to the stream manager so transports
// can replay them.
func (o *Orchestrator) RunStream(ctx context.Context, actx *prompt.AIContext, cfg Config) (<-chan streaming.Event, error) {
	cfg.applyDefaults()
	metrics.RequestsStarted.WithLabelValues(cfg.Model, "true").Inc()

	out := make(chan streaming.Event, 64)
	go func() {
		defer close(out)
		start := time.Now()
		messageID := uuid.New().String()

		emit := func(ev streaming.Event) {
			ev.RequestID = cfg.RequestID
			ev.Timestamp = time.Now().UTC()
			o.streams.Publish(cfg.RequestID, ev)
			// A caller that stopped reading cancels ctx; never block on it.
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		emit(streaming.Event{Type: streaming.TypeMessageStart, MessageID: messageID})

		res, err := o.run(ctx, actx, cfg, emit)

		outcome := "error"
		if err != nil {
			code := llmerrors.CodeOf(err)
			if code == "" {
				code = llmerrors.CodeModelError
			}
			outcome = string(code)
			o.logger.Warn("streaming request failed",
				zap.String("request_id", cfg.RequestID),
				zap.String("code", string(code)),
				zap.Error(err),
			)
			emit(streaming.Event{
				Type:      streaming.TypeError,
				MessageID: messageID,
				ErrorCode: string(code),
				Message:   llmerrors.UserFacingMessage(err),
			})
		} else {
			outcome = res.FinishReason
			metrics.LoopIterations.Observe(float64(res.Iterations))
			emit(streaming.Event{
				Type:      streaming.TypeMessageComplete,
				MessageID: messageID,
				Content:   res.Content,
				Payload: map[string]interface{}{
					"model":         res.Model,
					"finish_reason": res.FinishReason,
					"input_tokens":  res.Usage.InputTokens,
					"output_tokens": res.Usage.OutputTokens,
					"cost_usd":      res.CostUSD,
				},
			})
		}

		emit(streaming.Event{Type: streaming.TypeDone, MessageID: messageID})
		metrics.RequestsCompleted.WithLabelValues(cfg.Model, outcome).Inc()
		metrics.RequestDuration.WithLabelValues(cfg.Model).Observe(time.Since(start).Seconds())
	}()
	return out, nil
}
