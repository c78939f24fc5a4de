package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"engagekit/breaker"
)

// BreakerStore keeps breaker snapshots in Redis hashes:
// {prefix}breaker:{name} -> {gen: int, data: JSON snapshot}
type BreakerStore struct {
	client *redis.Client
	prefix string
}

func NewBreakerStore(client *redis.Client, prefix string) *BreakerStore {
	return &BreakerStore{client: client, prefix: prefix}
}

func (s *BreakerStore) key(name string) string {
	return fmt.Sprintf("%sbreaker:%s", s.prefix, name)
}

// casScript replaces the snapshot only when the stored generation matches.
var casScript = redis.NewScript(`
	local cur = redis.call('HGET', KEYS[1], 'gen')
	if not cur then cur = '0' end
	if cur ~= ARGV[1] then
		return 0
	end
	redis.call('HSET', KEYS[1], 'gen', ARGV[2], 'data', ARGV[3])
	return 1
`)

func (s *BreakerStore) Load(ctx context.Context, name string) (breaker.Snapshot, error) {
	data, err := s.client.HGet(ctx, s.key(name), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return breaker.Snapshot{State: breaker.StateClosed}, nil
	}
	if err != nil {
		return breaker.Snapshot{}, fmt.Errorf("failed to load breaker state: %w", err)
	}
	var snap breaker.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return breaker.Snapshot{}, fmt.Errorf("failed to decode breaker state: %w", err)
	}
	return snap, nil
}

func (s *BreakerStore) CompareAndSwap(ctx context.Context, name string, expected int64, next breaker.Snapshot) (bool, error) {
	data, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	res, err := casScript.Run(ctx, s.client, []string{s.key(name)},
		strconv.FormatInt(expected, 10), strconv.FormatInt(next.Generation, 10), data).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to store breaker state: %w", err)
	}
	return res == 1, nil
}

var _ breaker.Store = (*BreakerStore)(nil)
