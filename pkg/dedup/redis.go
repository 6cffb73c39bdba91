package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "convoflow:dedup:"

// Redis shares the set between workers with SET NX EX.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, opts Options) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = DefaultOptions().TTL
	}

	return &Redis{client: client, prefix: defaultRedisPrefix, ttl: opts.TTL}
}

// NewRedisFromURL connects to the redis:// URL and verifies the connection.
func NewRedisFromURL(ctx context.Context, url string, opts Options) (*Redis, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedis(client, opts), nil
}

func (r *Redis) Seen(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	stored, err := r.client.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX failed: %w", err)
	}

	return !stored, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
