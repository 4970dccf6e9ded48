package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*CheckCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCheckCache(client, time.Minute), mr
}

func TestCheckCacheDoComputesOncePerKey(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	calls := 0
	compute := func() (bool, error) {
		calls++
		return true, nil
	}

	granted, err := cache.Do(ctx, "user1", "post.delete", compute)
	require.NoError(t, err)
	assert.True(t, granted)

	// Second call hits redis, not compute.
	granted, err = cache.Do(ctx, "user1", "post.delete", compute)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, 1, calls)
}

func TestCheckCacheStoresNegativeResults(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	calls := 0
	compute := func() (bool, error) {
		calls++
		return false, nil
	}

	granted, err := cache.Do(ctx, "user2", "post.delete", compute)
	require.NoError(t, err)
	assert.False(t, granted)

	granted, err = cache.Do(ctx, "user2", "post.delete", compute)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, 1, calls)
}

func TestCheckCacheFlush(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	_, err := cache.Do(ctx, "user1", "a", func() (bool, error) { return true, nil })
	require.NoError(t, err)
	_, err = cache.Do(ctx, "user1", "b", func() (bool, error) { return false, nil })
	require.NoError(t, err)

	require.NoError(t, cache.Flush(ctx))
	assert.Empty(t, mr.Keys())

	calls := 0
	_, err = cache.Do(ctx, "user1", "a", func() (bool, error) { calls++; return true, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
