package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/jobqueue/cache"
)

// setupTestRedis creates a Redis client for testing.
// Tests will be skipped if JOBQUEUE_REDIS_ADDR is not set or Redis is
// not available.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("JOBQUEUE_REDIS_ADDR")
	if addr == "" {
		t.Skip("JOBQUEUE_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisSetGetDelete(t *testing.T) {
	client := setupTestRedis(t)
	c := cache.NewRedis(client)
	ctx := context.Background()
	key := "jobqueue:test:key:1"
	t.Cleanup(func() { client.Del(context.Background(), key) })

	require.NoError(t, c.Health(ctx))

	_, found, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	ttl := 5 * time.Minute
	require.NoError(t, c.Set(ctx, key, []byte("value"), ttl))
	v, found, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("value"), v)

	actualTTL := client.TTL(ctx, key).Val()
	assert.True(t, actualTTL > 0 && actualTTL <= ttl)

	require.NoError(t, c.Delete(ctx, key))
	_, found, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisEmptyKey(t *testing.T) {
	c := cache.NewRedis(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	ctx := context.Background()
	_, _, err := c.Get(ctx, "")
	assert.Error(t, err)
	assert.Error(t, c.Set(ctx, "", nil, 0))
	assert.Error(t, c.Delete(ctx, ""))
}
