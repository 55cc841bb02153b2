package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

const dequeueTimeout = 5 * time.Second

// Worker drains the async task queue and executes invocations. Run one
// or more per process; the queue pop is atomic so workers never share a
// task.
type Worker struct {
	queue   *RedisQueue
	service *Service
	logger  *zap.Logger
}

func NewWorker(queue *RedisQueue, service *Service, logger *zap.Logger) *Worker {
	return &Worker{queue: queue, service: service, logger: logger}
}

// Run loops until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		taskType, payload, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if taskType == "" {
			continue
		}
		if taskType != TaskTypeInvocation {
			w.logger.Warn("unknown task type", zap.String("type", taskType))
			continue
		}
		var task InvocationTask
		if err := json.Unmarshal(payload, &task); err != nil {
			w.logger.Error("bad task payload", zap.Error(err))
			continue
		}
		if err := w.service.ProcessTask(ctx, task); err != nil {
			w.logger.Error("task execution failed",
				zap.String("invocation_id", task.InvocationID),
				zap.Error(err),
			)
		}
	}
}
