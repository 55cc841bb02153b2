package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
)

// Engine executes a registered workflow on an external engine and blocks
// until it completes or ctx expires. externalID is the engine's own
// execution identifier, used to correlate webhook callbacks.
type Engine interface {
	Run(ctx context.Context, wf *Workflow, input map[string]interface{}) (output map[string]interface{}, externalID string, err error)
}

// TemporalEngine runs workflows on a Temporal cluster.
type TemporalEngine struct {
	client client.Client
	logger *zap.Logger
}

func NewTemporalEngine(c client.Client, logger *zap.Logger) *TemporalEngine {
	return &TemporalEngine{client: c, logger: logger}
}

func (e *TemporalEngine) Run(ctx context.Context, wf *Workflow, input map[string]interface{}) (map[string]interface{}, string, error) {
	opts := client.StartWorkflowOptions{
		TaskQueue:                wf.TaskQueue,
		WorkflowExecutionTimeout: wf.Timeout,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, wf.Name, input)
	if err != nil {
		return nil, "", llmerrors.Wrap(llmerrors.CodeWorkflowError, "start workflow", err)
	}

	var output map[string]interface{}
	if err := run.Get(ctx, &output); err != nil {
		var timeoutErr *temporal.TimeoutError
		if errors.As(err, &timeoutErr) || ctx.Err() == context.DeadlineExceeded {
			return nil, run.GetID(), llmerrors.Wrap(llmerrors.CodeTimeout, "workflow timed out", err)
		}
		return nil, run.GetID(), llmerrors.Wrap(llmerrors.CodeWorkflowError, "workflow failed", err)
	}
	return output, run.GetID(), nil
}

// NewZapAdapter bridges zap into the Temporal SDK's logger interface.
func NewZapAdapter(logger *zap.Logger) log.Logger {
	return &zapAdapter{logger: logger}
}

type zapAdapter struct {
	logger *zap.Logger
}

func (z *zapAdapter) Debug(msg string, keyvals ...interface{}) {
	z.logger.Debug(msg, fieldsFromKeyvals(keyvals)...)
}

func (z *zapAdapter) Info(msg string, keyvals ...interface{}) {
	z.logger.Info(msg, fieldsFromKeyvals(keyvals)...)
}

func (z *zapAdapter) Warn(msg string, keyvals ...interface{}) {
	z.logger.Warn(msg, fieldsFromKeyvals(keyvals)...)
}

func (z *zapAdapter) Error(msg string, keyvals ...interface{}) {
	z.logger.Error(msg, fieldsFromKeyvals(keyvals)...)
}

func (z *zapAdapter) With(keyvals ...interface{}) log.Logger {
	return &zapAdapter{logger: z.logger.With(fieldsFromKeyvals(keyvals)...)}
}

func fieldsFromKeyvals(keyvals []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields = append(fields, safeZapField(key, keyvals[i+1]))
		}
	}
	return fields
}

// safeZapField guards against types zap.Any() cannot serialize.
func safeZapField(key string, val interface{}) (field zap.Field) {
	defer func() {
		if r := recover(); r != nil {
			field = zap.String(key, fmt.Sprintf("<unserializable: %v>", r))
		}
	}()
	if val == nil {
		return zap.String(key, "<nil>")
	}
	switch reflect.ValueOf(val).Kind() {
	case reflect.Func:
		return zap.String(key, "<func>")
	case reflect.Chan:
		return zap.String(key, "<chan>")
	case reflect.UnsafePointer:
		return zap.String(key, "<unsafe.Pointer>")
	case reflect.Invalid:
		return zap.String(key, "<invalid>")
	default:
		return zap.Any(key, val)
	}
}
