package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists values as JSON strings in Redis, with a set at
// "<prefix>index" tracking live keys so List/Count never need SCAN.
type RedisStore[T any] struct {
	client *redis.Client
	prefix string
	index  string
	ttl    time.Duration
	closed atomic.Bool
}

// RedisStoreConfig configures a Redis-backed store. Options, when set,
// overrides the individual connection fields.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // key namespace, "data:" when empty
	TTL      time.Duration // per-key expiry; 0 keeps keys forever
	Options  *redis.Options
}

// NewRedisStore connects and pings the server before returning, so a bad
// address fails at startup rather than on first use.
func NewRedisStore[T any](config RedisStoreConfig) (*RedisStore[T], error) {
	opts := config.Options
	if opts == nil {
		opts = &redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = "data:"
	}

	return &RedisStore[T]{
		client: client,
		prefix: prefix,
		index:  prefix + "index",
		ttl:    config.TTL,
	}, nil
}

func (r *RedisStore[T]) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

func (r *RedisStore[T]) redisKey(key string) string {
	return r.prefix + key
}

func (r *RedisStore[T]) Save(ctx context.Context, key string, value T) error {
	if err := r.usable(ctx); err != nil {
		return err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	// The value write and the index update travel in one pipeline so the
	// index can never reference a key that was not written.
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.redisKey(key), encoded, r.ttl)
	pipe.SAdd(ctx, r.index, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save value: %w", err)
	}
	return nil
}

func (r *RedisStore[T]) Load(ctx context.Context, key string) (T, error) {
	var zero T
	if err := r.usable(ctx); err != nil {
		return zero, err
	}

	encoded, err := r.client.Get(ctx, r.redisKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("failed to load value: %w", err)
	}

	var value T
	if err := json.Unmarshal([]byte(encoded), &value); err != nil {
		return zero, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return value, nil
}

func (r *RedisStore[T]) Delete(ctx context.Context, key string) error {
	if err := r.usable(ctx); err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.redisKey(key))
	pipe.SRem(ctx, r.index, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete value: %w", err)
	}
	return nil
}

func (r *RedisStore[T]) Exists(ctx context.Context, key string) (bool, error) {
	if err := r.usable(ctx); err != nil {
		return false, err
	}

	n, err := r.client.Exists(ctx, r.redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return n > 0, nil
}

func (r *RedisStore[T]) List(ctx context.Context) ([]string, error) {
	if err := r.usable(ctx); err != nil {
		return nil, err
	}

	keys, err := r.client.SMembers(ctx, r.index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

func (r *RedisStore[T]) Count(ctx context.Context) (int64, error) {
	if err := r.usable(ctx); err != nil {
		return 0, err
	}

	count, err := r.client.SCard(ctx, r.index).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}

func (r *RedisStore[T]) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrStoreClosed
	}
	return r.client.Close()
}
