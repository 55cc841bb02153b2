package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TaskQueue hands async invocations to an out-of-process worker.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskType string, payload interface{}) error
}

const defaultQueueKey = "loom:workflow:tasks"

// RedisQueue is a list-backed TaskQueue. Workers BRPOP the same key.
type RedisQueue struct {
	rdb redis.UniversalClient
	key string
}

func NewRedisQueue(rdb redis.UniversalClient, key string) *RedisQueue {
	if key == "" {
		key = defaultQueueKey
	}
	return &RedisQueue{rdb: rdb, key: key}
}

type queuedTask struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	QueuedAt time.Time       `json:"queued_at"`
}

func (q *RedisQueue) Enqueue(ctx context.Context, taskType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	task, err := json.Marshal(queuedTask{Type: taskType, Payload: raw, QueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal task envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, task).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task. Used by the worker loop.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, json.RawMessage, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("dequeue task: %w", err)
	}
	var task queuedTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return "", nil, fmt.Errorf("decode task: %w", err)
	}
	return task.Type, task.Payload, nil
}
