package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"engagekit/core"
	"engagekit/sources"
)

// EngagementCache stores recent snapshots as JSON strings with a TTL.
type EngagementCache struct {
	client *redis.Client
	prefix string
}

func NewEngagementCache(client *redis.Client, prefix string) *EngagementCache {
	return &EngagementCache{client: client, prefix: prefix}
}

func (c *EngagementCache) Get(ctx context.Context, key string) (*core.EngagementSnapshot, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached engagement: %w", err)
	}
	var s core.EngagementSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode cached engagement: %w", err)
	}
	return &s, nil
}

func (c *EngagementCache) Set(ctx context.Context, key string, s core.EngagementSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, data, ttl).Err()
}

var _ sources.Cache = (*EngagementCache)(nil)
