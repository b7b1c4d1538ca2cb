package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on a redis client.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a backend from a redis URL
// (e.g. redis://localhost:6379/0).
func NewRedisBackend(url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

// NewRedisBackendFromClient wraps an existing client. The caller keeps
// ownership of the client lifecycle.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Del(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	return keys, nil
}

func (b *RedisBackend) ZAdd(ctx context.Context, set, member string, score float64) error {
	if err := b.client.ZAdd(ctx, set, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd %s: %w", set, err)
	}
	return nil
}

func (b *RedisBackend) ZPopMax(ctx context.Context, set string) (string, float64, bool, error) {
	entries, err := b.client.ZPopMax(ctx, set, 1).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("redis zpopmax %s: %w", set, err)
	}
	if len(entries) == 0 {
		return "", 0, false, nil
	}
	member, _ := entries[0].Member.(string)
	return member, entries[0].Score, true, nil
}

func (b *RedisBackend) ZRem(ctx context.Context, set, member string) error {
	if err := b.client.ZRem(ctx, set, member).Err(); err != nil {
		return fmt.Errorf("redis zrem %s: %w", set, err)
	}
	return nil
}

func (b *RedisBackend) ZCard(ctx context.Context, set string) (int64, error) {
	n, err := b.client.ZCard(ctx, set).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard %s: %w", set, err)
	}
	return n, nil
}

func (b *RedisBackend) LPush(ctx context.Context, list, value string) error {
	if err := b.client.LPush(ctx, list, value).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", list, err)
	}
	return nil
}

func (b *RedisBackend) LLen(ctx context.Context, list string) (int64, error) {
	n, err := b.client.LLen(ctx, list).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", list, err)
	}
	return n, nil
}

func (b *RedisBackend) LRange(ctx context.Context, list string, start, stop int64) ([]string, error) {
	vals, err := b.client.LRange(ctx, list, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", list, err)
	}
	return vals, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying client when the backend owns it.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
