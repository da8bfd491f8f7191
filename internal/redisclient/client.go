package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetIdempotencyOutcome caches a completed ledger outcome with TTL. The
// database row stays the source of truth; this only skips a query on the
// replay path.
func (c *Client) SetIdempotencyOutcome(ctx context.Context, scope, key string, outcome []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, idemKey(scope, key), outcome, ttl).Err()
}

// GetIdempotencyOutcome returns the cached outcome, or (nil, nil) on miss.
func (c *Client) GetIdempotencyOutcome(ctx context.Context, scope, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, idemKey(scope, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// AcquireOrderLock takes a short advisory lock on one order, used by the
// stale-order sweeper so overlapping sweeps skip each other's rows.
func (c *Client) AcquireOrderLock(ctx context.Context, orderID int64, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:order:%d", orderID), "1", ttl).Result()
}

// ReleaseOrderLock releases an advisory order lock
func (c *Client) ReleaseOrderLock(ctx context.Context, orderID int64) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:order:%d", orderID)).Err()
}

func idemKey(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}
