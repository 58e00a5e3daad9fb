package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore backs the agent state with Redis. Fleet deployments (the
// docker node image in particular) use it so replacement containers keep
// the device identity and IP cache.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr and verifies the server is reachable.
func NewRedisStore(addr, password, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if prefix == "" {
		prefix = "iploop:node:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (rs *RedisStore) GetString(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	v, err := rs.client.Get(ctx, rs.prefix+key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (rs *RedisStore) PutString(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return rs.client.Set(ctx, rs.prefix+key, value, 0).Err()
}

func (rs *RedisStore) GetInt64(key string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	v, err := rs.client.Get(ctx, rs.prefix+key).Int64()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	return v, err
}

func (rs *RedisStore) PutInt64(key string, value int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return rs.client.Set(ctx, rs.prefix+key, value, 0).Err()
}

// Close releases the underlying connection pool.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
