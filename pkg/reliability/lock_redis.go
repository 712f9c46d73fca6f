package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisReleaseScript deletes the lock only when the caller still holds it.
// KEYS[1] = lock key, ARGV[1] = holder id
var redisReleaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
    return 0
end
local lock = cjson.decode(current)
if lock.holderId == ARGV[1] then
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`)

// RedisRunLocker is the multi-node RunLocker. Acquisition is SET NX with a
// TTL so a crashed holder's lock expires on its own.
type RedisRunLocker struct {
	client *redis.Client
	now    func() time.Time
	newID  func() string
}

// NewRedisRunLocker creates a locker on an existing Redis client.
func NewRedisRunLocker(client *redis.Client) *RedisRunLocker {
	return &RedisRunLocker{client: client, now: time.Now, newID: uuid.NewString}
}

func lockKey(runID string) string { return "runlock:" + runID }

func (r *RedisRunLocker) TryAcquire(ctx context.Context, runID string, ttl time.Duration) (AcquireResult, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	now := r.now().UTC()
	lock := Lock{
		RunID:      runID,
		HolderID:   r.newID(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	payload, err := json.Marshal(lock)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("reliability: failed to marshal lock: %w", err)
	}

	ok, err := r.client.SetNX(ctx, lockKey(runID), payload, ttl).Result()
	if err != nil {
		return AcquireResult{}, fmt.Errorf("reliability: redis lock acquire failed: %w", err)
	}
	if !ok {
		return AcquireResult{Acquired: false}, nil
	}
	return AcquireResult{Acquired: true, Lock: &lock}, nil
}

func (r *RedisRunLocker) Release(ctx context.Context, runID, holderID string) error {
	if err := redisReleaseScript.Run(ctx, r.client, []string{lockKey(runID)}, holderID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("reliability: redis lock release failed: %w", err)
	}
	return nil
}

func (r *RedisRunLocker) Holder(ctx context.Context, runID string) (*Lock, error) {
	payload, err := r.client.Get(ctx, lockKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reliability: redis lock read failed: %w", err)
	}
	var lock Lock
	if err := json.Unmarshal(payload, &lock); err != nil {
		return nil, fmt.Errorf("reliability: bad lock payload: %w", err)
	}
	return &lock, nil
}
