package circuitry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v9"
)

const redisLockPrefix = "circuitry:lock"

// RedisLock is a LockStrategy backed by redis, suitable for fleets of
// consumers sharing one queue. Lock lifetimes ride on key TTLs, so Reap has
// nothing to do and stale locks disappear without a consumer's help.
type RedisLock struct {
	client    *redis.Client
	ttl       time.Duration
	retention time.Duration
}

// NewRedisLock creates a redis lock strategy on an existing client. The
// client stays owned by the caller. Zero durations fall back to
// DefaultSoftLockTTL and DefaultHardLockRetention.
func NewRedisLock(client *redis.Client, ttl, retention time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = DefaultSoftLockTTL
	}
	if retention <= 0 {
		retention = DefaultHardLockRetention
	}
	return &RedisLock{client: client, ttl: ttl, retention: retention}
}

func (l *RedisLock) SoftLock(ctx context.Context, id string) (bool, error) {
	n, err := l.client.Exists(ctx, l.hardKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check hard lock: %w", err)
	}
	if n > 0 {
		return false, nil
	}

	acquired, err := l.client.SetNX(ctx, l.softKey(id), time.Now().Format(time.RFC3339Nano), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire soft lock: %w", err)
	}
	return acquired, nil
}

func (l *RedisLock) HardLock(ctx context.Context, id string) error {
	err := l.client.Set(ctx, l.hardKey(id), time.Now().Format(time.RFC3339Nano), l.retention).Err()
	if err != nil {
		return fmt.Errorf("failed to set hard lock: %w", err)
	}
	return nil
}

func (l *RedisLock) SoftUnlock(ctx context.Context, id string) error {
	if err := l.client.Del(ctx, l.softKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to release soft lock: %w", err)
	}
	return nil
}

// Reap is a no-op: redis expires soft locks itself once their TTL passes.
func (l *RedisLock) Reap(context.Context) error { return nil }

func (l *RedisLock) softKey(id string) string { return redisLockPrefix + ":soft:" + id }

func (l *RedisLock) hardKey(id string) string { return redisLockPrefix + ":hard:" + id }
