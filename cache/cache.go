// Package cache stores handler results keyed by a fingerprint of the job,
// so that identical jobs of a tenant do not run their handler twice.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/olivere/jobqueue"
)

// Cache is a key/value store with per-entry TTL.
type Cache interface {
	// Get returns the value for key. The bool is false if key is missing
	// or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value for key. A ttl <= 0 means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key.
	Delete(ctx context.Context, key string) error
}

// Key returns the cache key of a job. Jobs of the same tenant and type with
// identical payloads share the key.
func Key(job *jobqueue.Job) string {
	return fmt.Sprintf("jobqueue:%s:%s:%016x", job.Tenant, job.Type, xxhash.Sum64(job.Payload))
}

// Memoize wraps h so that results are read from and written to c. Failures
// of the handler are not cached. Cache errors are ignored and the handler
// runs as if nothing was cached.
func Memoize(h jobqueue.Handler, c Cache, ttl time.Duration) jobqueue.Handler {
	return jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
		key := Key(job)
		if v, found, err := c.Get(ctx, key); err == nil && found {
			return json.RawMessage(v), nil
		}
		result, err := h.Execute(ctx, job)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		_ = c.Set(ctx, key, raw, ttl)
		return json.RawMessage(raw), nil
	})
}
