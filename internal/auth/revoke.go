package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revoker remembers logged-out token ids until the token would have expired.
type Revoker interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// NewRevoker returns a Redis-backed revoker when redisURL is set, otherwise
// an in-process one.
func NewRevoker(ctx context.Context, redisURL string) (Revoker, error) {
	if redisURL == "" {
		return NewMemoryRevoker(), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisRevoker(client), nil
}

const revokedKeyPrefix = "huddle:revoked:"

// RedisRevoker stores revocations as expiring Redis keys so every hub
// instance sees the same blacklist.
type RedisRevoker struct {
	client *redis.Client
}

func NewRedisRevoker(client *redis.Client) *RedisRevoker {
	return &RedisRevoker{client: client}
}

func (r *RedisRevoker) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, revokedKeyPrefix+jti, 1, ttl).Err()
}

func (r *RedisRevoker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKeyPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close releases the Redis connection pool.
func (r *RedisRevoker) Close() error {
	return r.client.Close()
}

// MemoryRevoker keeps revocations in a map; entries are pruned lazily.
type MemoryRevoker struct {
	mu      sync.Mutex
	entries map[string]time.Time // jti -> expiry
	now     func() time.Time
}

func NewMemoryRevoker() *MemoryRevoker {
	return &MemoryRevoker{entries: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryRevoker) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, exp := range m.entries {
		if now.After(exp) {
			delete(m.entries, id)
		}
	}
	m.entries[jti] = now.Add(ttl)
	return nil
}

func (m *MemoryRevoker) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[jti]
	if !ok {
		return false, nil
	}
	if m.now().After(exp) {
		delete(m.entries, jti)
		return false, nil
	}
	return true, nil
}
