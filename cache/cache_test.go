package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/jobqueue"
	"github.com/olivere/jobqueue/cache"
)

func TestKey(t *testing.T) {
	a := &jobqueue.Job{Tenant: "t1", Type: jobqueue.AIGeneration, Payload: json.RawMessage(`{"prompt":"hi"}`)}
	b := &jobqueue.Job{Tenant: "t1", Type: jobqueue.AIGeneration, Payload: json.RawMessage(`{"prompt":"hi"}`)}
	assert.Equal(t, cache.Key(a), cache.Key(b))

	c := &jobqueue.Job{Tenant: "t2", Type: jobqueue.AIGeneration, Payload: a.Payload}
	assert.NotEqual(t, cache.Key(a), cache.Key(c), "tenants must not share results")

	d := &jobqueue.Job{Tenant: "t1", Type: jobqueue.SocialMedia, Payload: a.Payload}
	assert.NotEqual(t, cache.Key(a), cache.Key(d))

	e := &jobqueue.Job{Tenant: "t1", Type: jobqueue.AIGeneration, Payload: json.RawMessage(`{"prompt":"ho"}`)}
	assert.NotEqual(t, cache.Key(a), cache.Key(e))
}

func TestMemoize(t *testing.T) {
	var calls atomic.Int32
	h := jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
		calls.Add(1)
		return map[string]string{"text": "translated"}, nil
	})
	c := cache.NewLRU(cache.LRUConfig{})
	m := jobqueue.New(jobqueue.SetLogger(nopLogger{}))
	require.NoError(t, m.Register(jobqueue.AIGeneration, cache.Memoize(h, c, time.Hour)))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.Add(ctx, "t1", jobqueue.AIGeneration, map[string]string{"prompt": "hi"})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		job, err := m.ProcessOne(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, jobqueue.Completed, job.Status)
		assert.JSONEq(t, `{"text":"translated"}`, string(job.Result))
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestMemoizeDoesNotCacheErrors(t *testing.T) {
	var calls atomic.Int32
	h := jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
		calls.Add(1)
		return nil, errors.New("upstream timeout")
	})
	c := cache.NewLRU(cache.LRUConfig{})
	job := &jobqueue.Job{Tenant: "t1", Type: jobqueue.AIGeneration}
	memo := cache.Memoize(h, c, time.Hour)
	for i := 0; i < 2; i++ {
		_, err := memo.Execute(context.Background(), job)
		assert.EqualError(t, err, "upstream timeout")
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, c.Len())
}

type brokenCache struct{}

func (brokenCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (brokenCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("connection refused")
}

func (brokenCache) Delete(ctx context.Context, key string) error {
	return errors.New("connection refused")
}

func TestMemoizeIgnoresCacheErrors(t *testing.T) {
	h := jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
		return 42, nil
	})
	memo := cache.Memoize(h, brokenCache{}, time.Hour)
	v, err := memo.Execute(context.Background(), &jobqueue.Job{Tenant: "t1", Type: jobqueue.RevenueAnalytics})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("42"), v)
}

type nopLogger struct{}

func (nopLogger) Printf(format string, v ...interface{}) {}
