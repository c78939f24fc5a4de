package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"engagekit/ratelimit"
)

// RateLimitStore keeps fixed-window counters and cooldown markers in Redis.
// Windows and cooldowns expire on the Redis server clock.
type RateLimitStore struct {
	client *redis.Client
	prefix string
}

func NewRateLimitStore(client *redis.Client, prefix string) *RateLimitStore {
	return &RateLimitStore{client: client, prefix: prefix}
}

func (s *RateLimitStore) counterKey(key string) string  { return s.prefix + "rl:count:" + key }
func (s *RateLimitStore) cooldownKey(key string) string { return s.prefix + "rl:cool:" + key }

// hitScript increments a counter, starting its window on the first hit.
var hitScript = redis.NewScript(`
	local n = redis.call('INCR', KEYS[1])
	if n == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {n, ttl}
`)

func (s *RateLimitStore) Hit(ctx context.Context, key string, window time.Duration, _ time.Time) (int64, time.Duration, error) {
	res, err := hitScript.Run(ctx, s.client, []string{s.counterKey(key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count hit: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected hit script result %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (s *RateLimitStore) PeekCooldown(ctx context.Context, key string, _ time.Time) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.cooldownKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read cooldown: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *RateLimitStore) ClaimCooldown(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, time.Duration, error) {
	ok, err := s.client.SetNX(ctx, s.cooldownKey(key), 1, ttl).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to claim cooldown: %w", err)
	}
	if ok {
		return true, 0, nil
	}
	rem, err := s.PeekCooldown(ctx, key, now)
	return false, rem, err
}

func (s *RateLimitStore) ReleaseCooldown(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.cooldownKey(key)).Err()
}

// Reset deletes every counter and cooldown under the store prefix.
func (s *RateLimitStore) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"rl:*", 500).Result()
		if err != nil {
			return fmt.Errorf("failed to scan rate limit keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete rate limit keys: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

var _ ratelimit.Store = (*RateLimitStore)(nil)
