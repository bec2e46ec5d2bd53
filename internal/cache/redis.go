package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/eugenetaranov/lglass/internal/parser"
)

// Redis is a Cache backed by a Redis server, shared between processes.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the server named by url (redis://host:port/db).
// The connection is verified with a PING.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return &Redis{client: client}, nil
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) (*parser.Result, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return Decode(data)
}

// Set implements Cache. A non-positive ttl stores nothing.
func (r *Redis) Set(ctx context.Context, key string, res *parser.Result, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := Encode(res)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Close implements Cache.
func (r *Redis) Close() error {
	return r.client.Close()
}
