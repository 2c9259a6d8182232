// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"time"
)

// Store implements persistent storage of jobs.
type Store interface {
	// Start is called when the manager starts up. Persistent stores can
	// verify their connection here.
	Start(context.Context) error

	// Create adds a job to the store. The job already carries its ID.
	Create(context.Context, *Job) error

	// Update replaces the job in the store, but only if the stored version
	// equals job.Version. On success, the store increments job.Version and
	// sets job.UpdatedAt. If the versions differ, ErrConflict must be
	// returned. If the job does not exist, ErrNotFound must be returned.
	//
	// This is the only way jobs change state, which makes claiming a job
	// a single compare-and-swap.
	Update(context.Context, *Job) error

	// Next picks the next job to execute without claiming it.
	//
	// Only jobs in the Pending state whose ScheduledFor is unset or not
	// after now are eligible. They are ordered by priority (descending),
	// then by creation time (ascending), then by ID (ascending).
	//
	// If no job is eligible, the store must return nil for both the job
	// and the error.
	Next(ctx context.Context, now time.Time) (*Job, error)

	// Lookup returns the details of a job by its identifier.
	// If the job could not be found, ErrNotFound must be returned.
	Lookup(ctx context.Context, id string) (*Job, error)

	// Count returns the number of jobs matching the request.
	Count(context.Context, *CountRequest) (int, error)

	// List returns a list of jobs filtered by the ListRequest.
	List(context.Context, *ListRequest) (*ListResponse, error)
}

// StatsRequest filters the statistics of the manager.
type StatsRequest struct {
	Tenant string // filter by tenant
	Type   Type   // filter by type
}

// CountRequest specifies a filter for counting jobs.
type CountRequest struct {
	Tenant string // filter by tenant
	Type   Type   // filter by type
	Status Status // filter by job state
}

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	Tenant             string    // filter by tenant
	Type               Type      // filter by type
	Status             Status    // filter by job state
	LeaseExpiredBefore time.Time // only jobs whose lease expired at or before this time
	Limit              int       // maximum number of jobs to return
	Offset             int       // number of jobs to skip (for pagination)
}

// ListResponse is the outcome of invoking List on the Store.
type ListResponse struct {
	Total int    `json:"total"` // total number of jobs found, excluding pagination
	Jobs  []*Job `json:"jobs"`  // list of jobs, most recently updated first
}
