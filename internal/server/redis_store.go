package server

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisLoginStore counts login attempts in Redis so every server process
// enforces the same limit. Each key is a counter that expires with its window.
type RedisLoginStore struct {
	client redis.UniversalClient
}

func NewRedisLoginStore(client redis.UniversalClient) *RedisLoginStore {
	return &RedisLoginStore{client: client}
}

func (s *RedisLoginStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if window < time.Second {
		window = time.Second
	}
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("count login attempt: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("start login window: %w", err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read login window: %w", err)
	}
	if ttl < 0 {
		// The counter lost its expiry; restart the window so it cannot block forever.
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("start login window: %w", err)
		}
		ttl = window
	}
	return false, ttl, nil
}
