package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"licensed/pkg/contracts/domain"
)

const redisKeyPrefix = "licensed:releases:"

// Redis is a ReleaseCache shared by every process pointed at the same server
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the server at url (redis://host:port/db)
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func redisKey(productID int64) string {
	return fmt.Sprintf("%s%d", redisKeyPrefix, productID)
}

// Get returns the cached releases for productID
func (c *Redis) Get(ctx context.Context, productID int64) ([]domain.Release, bool, error) {
	raw, err := c.client.Get(ctx, redisKey(productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var releases []domain.Release
	if err := json.Unmarshal(raw, &releases); err != nil {
		// a corrupt entry is a miss; the caller reloads and overwrites it
		return nil, false, nil
	}
	return releases, true, nil
}

// Set stores releases for productID with the configured TTL
func (c *Redis) Set(ctx context.Context, productID int64, releases []domain.Release) error {
	raw, err := json.Marshal(releases)
	if err != nil {
		return fmt.Errorf("marshal releases: %w", err)
	}
	if err := c.client.Set(ctx, redisKey(productID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate drops the entry for productID
func (c *Redis) Invalidate(ctx context.Context, productID int64) error {
	if err := c.client.Del(ctx, redisKey(productID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks the connection
func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.client.Close()
}
