// Package valkey wraps the working-memory cache: plain key/hash operations
// with a single transient-error retry, and the TTL-warning mechanism that
// lets owners persist a value just before its key expires.
package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/observability"
)

// retryDelay is the pause before the single retry on transient errors.
const retryDelay = 100 * time.Millisecond

// ErrKeyNotFound is returned when a key or hash field does not exist.
var ErrKeyNotFound = errors.New("valkey: key not found")

// Client is the shared cache handle. One per process.
type Client struct {
	rdb           *redis.Client
	db            int
	warningOffset time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics

	ttl ttlDispatcher
}

// New builds a client from config. The connection is lazy; call Ping to
// verify reachability at boot.
func New(cfg config.ValkeyConfig, logger *observability.Logger, metrics *observability.Metrics) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	c := &Client{
		rdb:           rdb,
		db:            cfg.DB,
		warningOffset: cfg.WarningOffset,
		logger:        logger.Component("valkey"),
		metrics:       metrics,
	}
	c.ttl.init(c)
	return c
}

// Ping verifies the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("valkey: ping %s: %w", c.rdb.Options().Addr, err)
	}
	return nil
}

// Close stops the expiry listener and releases the connection pool.
func (c *Client) Close() error {
	c.ttl.stop()
	return c.rdb.Close()
}

// Get returns the string value at key, or ErrKeyNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("valkey: get %s: %w", key, err)
	}
	return v, nil
}

// Set stores value at key. A zero ttl means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("valkey: set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("valkey: del: %w", err)
	}
	return nil
}

// TTL reports the remaining lifetime of key. Keys without expiry report a
// negative duration, per the server convention.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("valkey: ttl %s: %w", key, err)
	}
	return d, nil
}

// HSet writes hash fields, retrying once on transient failure.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]any) error {
	return c.withRetry(ctx, "hset "+key, func() error {
		return c.rdb.HSet(ctx, key, fields).Err()
	})
}

// HGet reads one hash field, retrying once on transient failure. A missing
// key or field yields ErrKeyNotFound.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	var v string
	err := c.withRetry(ctx, "hget "+key, func() error {
		var err error
		v, err = c.rdb.HGet(ctx, key, field).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// HGetAll reads a whole hash, retrying once on transient failure. Missing
// keys come back as an empty map, matching the server behavior.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var m map[string]string
	err := c.withRetry(ctx, "hgetall "+key, func() error {
		var err error
		m, err = c.rdb.HGetAll(ctx, key).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// HDel removes hash fields, retrying once on transient failure.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.withRetry(ctx, "hdel "+key, func() error {
		return c.rdb.HDel(ctx, key, fields...).Err()
	})
}

// Expire sets a fresh ttl on key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("valkey: expire %s: %w", key, err)
	}
	return nil
}

// IncrementWithExpiry atomically increments key and, only when this was the
// first increment, sets its expiry. Later increments leave the ttl alone so
// rate-limit windows do not slide.
func (c *Client) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("valkey: incr %s: %w", key, err)
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("valkey: expire %s after first incr: %w", key, err)
		}
	}
	return n, nil
}

// withRetry runs op, and on a transient error waits retryDelay and runs it
// once more. redis.Nil and context errors pass straight through.
func (c *Client) withRetry(ctx context.Context, opName string, op func() error) error {
	err := op()
	if err == nil || !transient(err) {
		return err
	}

	c.logger.Warn("transient cache error, retrying once", "op", opName, "error", err)
	if c.metrics != nil {
		c.metrics.ValkeyRetries.Inc()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryDelay):
	}

	if err := op(); err != nil {
		if errors.Is(err, redis.Nil) {
			return err
		}
		return fmt.Errorf("valkey: %s failed after retry: %w", opName, err)
	}
	return nil
}

// transient reports whether err is worth one retry. Lookup misses and
// caller cancellation are not.
func transient(err error) bool {
	if errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return err != nil
}
