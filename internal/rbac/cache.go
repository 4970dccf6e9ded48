package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// CheckCache stores parameterless access-check results in redis with a TTL.
// Concurrent misses for the same (user, permission) pair are collapsed into a
// single graph traversal via singleflight.
type CheckCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	group  singleflight.Group
}

// NewCheckCache constructs a CheckCache. A non-positive ttl disables expiry
// until the next flush.
func NewCheckCache(client *redis.Client, ttl time.Duration) *CheckCache {
	return &CheckCache{client: client, ttl: ttl, prefix: "rbac:check:"}
}

func (c *CheckCache) key(userID, permission string) string {
	return c.prefix + userID + ":" + permission
}

// Do returns a cached result when present, otherwise runs compute once per
// in-flight key and stores the outcome. Cache failures degrade to computing
// directly.
func (c *CheckCache) Do(ctx context.Context, userID, permission string, compute func() (bool, error)) (bool, error) {
	key := c.key(userID, permission)
	val, err := c.client.Get(ctx, key).Result()
	if err == nil {
		return val == "1", nil
	}
	if !errors.Is(err, redis.Nil) {
		return compute()
	}
	result, err, _ := c.group.Do(key, func() (any, error) {
		granted, err := compute()
		if err != nil {
			return false, err
		}
		stored := "0"
		if granted {
			stored = "1"
		}
		if err := c.client.Set(ctx, key, stored, c.ttl).Err(); err != nil {
			// Best effort: a failed write only costs a recomputation.
			return granted, nil
		}
		return granted, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Flush removes every cached check result.
func (c *CheckCache) Flush(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 256).Result()
		if err != nil {
			return fmt.Errorf("rbac: scan check cache: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("rbac: delete check cache keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
