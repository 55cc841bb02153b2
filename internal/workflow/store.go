package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
)

const (
	invocationKeyPrefix  = "loom:workflow:invocation:"
	externalIDKeyPrefix  = "loom:workflow:external:"
	idempotencyKeyPrefix = "loom:workflow:idem:"
	quotaKeyPrefix       = "loom:workflow:quota:"
	concurrentKeyPrefix  = "loom:workflow:concurrent:"

	// invocationTTL bounds how long completed records stay queryable.
	invocationTTL = 24 * time.Hour
	// idempotencyTTL outlives the dedup window so late duplicates still hit.
	idempotencyTTL = 15 * time.Minute
)

// Store persists invocation records and the atomic counters the service
// relies on. Redis gives us SetNX for first-writer-wins dedup and INCR
// for quota windows.
type Store struct {
	rdb redis.UniversalClient
}

func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// ClaimIdempotencyKey atomically maps key to invocationID. It returns
// the winning invocation id and whether this caller won the claim.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, key, invocationID string) (string, bool, error) {
	ok, err := s.rdb.SetNX(ctx, idempotencyKeyPrefix+key, invocationID, idempotencyTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return invocationID, true, nil
	}
	existing, err := s.rdb.Get(ctx, idempotencyKeyPrefix+key).Result()
	if err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	return existing, false, nil
}

// ReleaseIdempotencyKey drops a claim that never produced a saved
// invocation, so a retry inside the dedup window can dispatch again.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) {
	s.rdb.Del(ctx, idempotencyKeyPrefix+key)
}

// SaveInvocation writes the record and, when present, the external id
// reverse index used by webhook lookups.
func (s *Store) SaveInvocation(ctx context.Context, inv *Invocation) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invocation: %w", err)
	}
	if err := s.rdb.Set(ctx, invocationKeyPrefix+inv.ID, raw, invocationTTL).Err(); err != nil {
		return fmt.Errorf("save invocation: %w", err)
	}
	if inv.ExternalID != "" {
		if err := s.rdb.Set(ctx, externalIDKeyPrefix+inv.ExternalID, inv.ID, invocationTTL).Err(); err != nil {
			return fmt.Errorf("index external id: %w", err)
		}
	}
	return nil
}

// GetInvocation loads a record by id.
func (s *Store) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	raw, err := s.rdb.Get(ctx, invocationKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, llmerrors.Newf(llmerrors.CodeNotFound, "invocation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load invocation: %w", err)
	}
	var inv Invocation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invocation: %w", err)
	}
	return &inv, nil
}

// ResolveExternalID maps an engine-assigned id back to our invocation id.
func (s *Store) ResolveExternalID(ctx context.Context, externalID string) (string, error) {
	id, err := s.rdb.Get(ctx, externalIDKeyPrefix+externalID).Result()
	if err == redis.Nil {
		return "", llmerrors.Newf(llmerrors.CodeNotFound, "no invocation for external id %s", externalID)
	}
	if err != nil {
		return "", fmt.Errorf("resolve external id: %w", err)
	}
	return id, nil
}

// IncrWindowCount bumps the rolling-window invocation counter and
// returns the new count. The counter key is bucketed by window start so
// expiry handles rollover.
func (s *Store) IncrWindowCount(ctx context.Context, workflowID string, window time.Duration, now time.Time) (int64, error) {
	bucket := now.Unix() / int64(window.Seconds())
	key := fmt.Sprintf("%s%s:%d", quotaKeyPrefix, workflowID, bucket)
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("quota window incr: %w", err)
	}
	return incr.Val(), nil
}

// IncrConcurrent bumps the live-execution counter and returns the new value.
func (s *Store) IncrConcurrent(ctx context.Context, workflowID string) (int64, error) {
	n, err := s.rdb.Incr(ctx, concurrentKeyPrefix+workflowID).Result()
	if err != nil {
		return 0, fmt.Errorf("concurrent incr: %w", err)
	}
	return n, nil
}

// DecrConcurrent releases one slot. Best effort; a failed decrement
// corrects itself when the key expires.
func (s *Store) DecrConcurrent(ctx context.Context, workflowID string) {
	s.rdb.Decr(ctx, concurrentKeyPrefix+workflowID)
}
