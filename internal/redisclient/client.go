package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

const gatewayTokenKey = "gateway:phonepe:access_token"

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
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

	return New(rdb), nil
}

// New wraps an existing connection.
func New(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection, used by the readiness check
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// GetGatewayToken returns the cached gateway access token, or "" if none.
func (c *Client) GetGatewayToken(ctx context.Context) (string, error) {
	token, err := c.rdb.Get(ctx, gatewayTokenKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return token, err
}

// SetGatewayToken caches the gateway access token until shortly before it expires.
func (c *Client) SetGatewayToken(ctx context.Context, token string, ttl time.Duration) error {
	return c.rdb.Set(ctx, gatewayTokenKey, token, ttl).Err()
}

// AcquireLock acquires a distributed lock held by owner until ttl elapses
func (c *Client) AcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), owner, ttl).Result()
}

// ReleaseLock releases the lock only if owner still holds it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, owner string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, owner).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
