// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store interface. Do not use in production.
type InMemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Start the store.
func (st *InMemoryStore) Start(ctx context.Context) error {
	return nil
}

// Create adds a new job.
func (st *InMemoryStore) Create(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.jobs[job.ID]; found {
		return fmt.Errorf("jobqueue: job %s already exists", job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = st.now()
	}
	job.UpdatedAt = job.CreatedAt
	job.Version = 1
	st.jobs[job.ID] = job.Clone()
	return nil
}

// Update updates the job if nobody else did in the meantime.
func (st *InMemoryStore) Update(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur, found := st.jobs[job.ID]
	if !found {
		return ErrNotFound
	}
	if cur.Version != job.Version {
		return ErrConflict
	}
	job.Version++
	job.UpdatedAt = st.now()
	st.jobs[job.ID] = job.Clone()
	return nil
}

// Next picks the next job to execute.
func (st *InMemoryStore) Next(ctx context.Context, now time.Time) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var next *Job
	for _, job := range st.jobs {
		if !job.Eligible(now) {
			continue
		}
		if next == nil || ranksBefore(job, next) {
			next = job
		}
	}
	return next.Clone(), nil
}

// ranksBefore reports whether a is to be executed before b.
func ranksBefore(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(ctx context.Context, id string) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// Count returns the number of matching jobs.
func (st *InMemoryStore) Count(ctx context.Context, req *CountRequest) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int
	for _, job := range st.jobs {
		if req.Tenant != "" && job.Tenant != req.Tenant {
			continue
		}
		if req.Type != "" && job.Type != req.Type {
			continue
		}
		if req.Status != "" && job.Status != req.Status {
			continue
		}
		n++
	}
	return n, nil
}

// List finds matching jobs.
func (st *InMemoryStore) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var matches []*Job
	for _, job := range st.jobs {
		if req.Tenant != "" && job.Tenant != req.Tenant {
			continue
		}
		if req.Type != "" && job.Type != req.Type {
			continue
		}
		if req.Status != "" && job.Status != req.Status {
			continue
		}
		if !req.LeaseExpiredBefore.IsZero() {
			if job.LeaseExpiresAt == nil || job.LeaseExpiresAt.After(req.LeaseExpiredBefore) {
				continue
			}
		}
		matches = append(matches, job)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].UpdatedAt.Equal(matches[j].UpdatedAt) {
			return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
		}
		return matches[i].ID > matches[j].ID
	})

	rsp := &ListResponse{Total: len(matches)}
	if req.Offset > 0 {
		if req.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[req.Offset:]
		}
	}
	if req.Limit > 0 && len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}
	for _, job := range matches {
		rsp.Jobs = append(rsp.Jobs, job.Clone())
	}
	return rsp, nil
}
