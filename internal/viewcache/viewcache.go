// Package viewcache keeps rendered map documents in Redis, keyed by saved-view id.
package viewcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"
)

// Cache stores map documents for saved views.
type Cache interface {
	// Get returns the document and true on a hit.
	Get(ctx context.Context, id int64) ([]byte, bool, error)
	Set(ctx context.Context, id int64, doc []byte) error
	Delete(ctx context.Context, id int64) error
	Ping(ctx context.Context) error
}

// Options configure the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// Redis is a Cache backed by a Redis server.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, opts Options) (*Redis, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = "firemap"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, ttl: opts.TTL, prefix: opts.Prefix}, nil
}

func (r *Redis) key(id int64) string {
	return fmt.Sprintf("%s:view:%d:map", r.prefix, id)
}

func (r *Redis) Get(ctx context.Context, id int64) ([]byte, bool, error) {
	doc, err := r.rdb.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return doc, true, nil
}

// Set stores doc, expiring it after the configured TTL (zero keeps it forever).
func (r *Redis) Set(ctx context.Context, id int64, doc []byte) error {
	if err := r.rdb.Set(ctx, r.key(id), doc, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, id int64) error {
	if err := r.rdb.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Nop never hits. Used when Redis is not configured.
type Nop struct{}

func (Nop) Get(context.Context, int64) ([]byte, bool, error) { return nil, false, nil }

func (Nop) Set(context.Context, int64, []byte) error { return nil }

func (Nop) Delete(context.Context, int64) error { return nil }

func (Nop) Ping(context.Context) error { return nil }
