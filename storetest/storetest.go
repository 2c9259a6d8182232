// Package storetest contains a test suite that every jobqueue.Store
// implementation must pass.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/jobqueue"
)

// Factory returns a new, empty and started store.
type Factory func(t *testing.T) jobqueue.Store

// Run runs the suite against stores created by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndLookup", func(t *testing.T) { testCreateAndLookup(t, newStore(t)) })
	t.Run("LookupNotFound", func(t *testing.T) { testLookupNotFound(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("UpdateConflict", func(t *testing.T) { testUpdateConflict(t, newStore(t)) })
	t.Run("UpdateNotFound", func(t *testing.T) { testUpdateNotFound(t, newStore(t)) })
	t.Run("NextEmpty", func(t *testing.T) { testNextEmpty(t, newStore(t)) })
	t.Run("NextOrder", func(t *testing.T) { testNextOrder(t, newStore(t)) })
	t.Run("NextSkipsScheduledAndClaimed", func(t *testing.T) { testNextSkipsScheduledAndClaimed(t, newStore(t)) })
	t.Run("Count", func(t *testing.T) { testCount(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("ListLeaseExpired", func(t *testing.T) { testListLeaseExpired(t, newStore(t)) })
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time {
	return epoch.Add(d)
}

func ptr(t time.Time) *time.Time {
	return &t
}

func newJob(tenant string, typ jobqueue.Type, created time.Time) *jobqueue.Job {
	return &jobqueue.Job{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Tenant:      tenant,
		Type:        typ,
		Status:      jobqueue.Pending,
		Payload:     json.RawMessage(`{"n":1}`),
		MaxAttempts: jobqueue.DefaultMaxAttempts,
		CreatedAt:   created,
	}
}

func mustCreate(t *testing.T, st jobqueue.Store, jobs ...*jobqueue.Job) {
	t.Helper()
	for _, job := range jobs {
		require.NoError(t, st.Create(context.Background(), job))
	}
}

func assertTime(t *testing.T, want, have *time.Time, field string) {
	t.Helper()
	if want == nil {
		assert.Nil(t, have, field)
		return
	}
	if assert.NotNil(t, have, field) {
		assert.True(t, want.Equal(*have), "%s: want %v, have %v", field, *want, *have)
	}
}

func testCreateAndLookup(t *testing.T, st jobqueue.Store) {
	ctx := context.Background()
	job := newJob("acme", jobqueue.EmailProcessing, at(0))
	job.Priority = 7
	job.MaxAttempts = 5
	job.ScheduledFor = ptr(at(time.Minute))
	mustCreate(t, st, job)
	assert.Equal(t, int64(1), job.Version)

	have, err := st.Lookup(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, have.ID)
	assert.Equal(t, "acme", have.Tenant)
	assert.Equal(t, jobqueue.EmailProcessing, have.Type)
	assert.Equal(t, jobqueue.Pending, have.Status)
	assert.Equal(t, 7, have.Priority)
	assert.Equal(t, 5, have.MaxAttempts)
	assert.Equal(t, 0, have.Attempts)
	assert.JSONEq(t, `{"n":1}`, string(have.Payload))
	assert.Empty(t, have.Result)
	assert.Empty(t, have.Error)
	assert.Equal(t, int64(1), have.Version)
	assert.True(t, at(0).Equal(have.CreatedAt), "CreatedAt: have %v", have.CreatedAt)
	assertTime(t, job.ScheduledFor, have.ScheduledFor, "ScheduledFor")
	assertTime(t, nil, have.ProcessedAt, "ProcessedAt")
	assertTime(t, nil, have.CompletedAt, "CompletedAt")
	assertTime(t, nil, have.LeaseExpiresAt, "LeaseExpiresAt")
}

func testLookupNotFound(t *testing.T, st jobqueue.Store) {
	_, err := st.Lookup(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, jobqueue.ErrNotFound)
}

func testCreateDuplicate(t *testing.T, st jobqueue.Store) {
	job := newJob("acme", jobqueue.EmailProcessing, at(0))
	mustCreate(t, st, job)
	dup := newJob("acme", jobqueue.EmailProcessing, at(0))
	dup.ID = job.ID
	assert.Error(t, st.Create(context.Background(), dup))
}

func testUpdate(t *testing.T, st jobqueue.Store) {
	ctx := context.Background()
	job := newJob("acme", jobqueue.AIGeneration, at(0))
	mustCreate(t, st, job)

	job.Status = jobqueue.Completed
	job.Attempts = 1
	job.Result = json.RawMessage(`{"ok":true}`)
	job.ProcessedAt = ptr(at(time.Second))
	job.CompletedAt = ptr(at(2 * time.Second))
	require.NoError(t, st.Update(ctx, job))
	assert.Equal(t, int64(2), job.Version)

	have, err := st.Lookup(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Completed, have.Status)
	assert.Equal(t, 1, have.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(have.Result))
	assert.Equal(t, int64(2), have.Version)
	assertTime(t, job.ProcessedAt, have.ProcessedAt, "ProcessedAt")
	assertTime(t, job.CompletedAt, have.CompletedAt, "CompletedAt")
	assert.True(t, job.UpdatedAt.Equal(have.UpdatedAt), "UpdatedAt: want %v, have %v", job.UpdatedAt, have.UpdatedAt)

	// Clearing optional fields must be persisted too
	job.Status = jobqueue.Pending
	job.Result = nil
	job.ProcessedAt = nil
	job.CompletedAt = nil
	require.NoError(t, st.Update(ctx, job))
	have, err = st.Lookup(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, have.Result)
	assertTime(t, nil, have.ProcessedAt, "ProcessedAt")
	assertTime(t, nil, have.CompletedAt, "CompletedAt")
	assert.Equal(t, int64(3), have.Version)
}

func testUpdateConflict(t *testing.T, st jobqueue.Store) {
	ctx := context.Background()
	job := newJob("acme", jobqueue.AIGeneration, at(0))
	mustCreate(t, st, job)

	first, err := st.Lookup(ctx, job.ID)
	require.NoError(t, err)
	second, err := st.Lookup(ctx, job.ID)
	require.NoError(t, err)

	first.Status = jobqueue.Processing
	require.NoError(t, st.Update(ctx, first))

	second.Status = jobqueue.Processing
	assert.ErrorIs(t, st.Update(ctx, second), jobqueue.ErrConflict)
	assert.Equal(t, int64(1), second.Version)

	have, err := st.Lookup(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), have.Version)
}

func testUpdateNotFound(t *testing.T, st jobqueue.Store) {
	job := newJob("acme", jobqueue.AIGeneration, at(0))
	job.Version = 1
	assert.ErrorIs(t, st.Update(context.Background(), job), jobqueue.ErrNotFound)
}

func testNextEmpty(t *testing.T, st jobqueue.Store) {
	job, err := st.Next(context.Background(), at(0))
	require.NoError(t, err)
	assert.Nil(t, job)
}

func testNextOrder(t *testing.T, st jobqueue.Store) {
	ctx := context.Background()
	low := newJob("acme", jobqueue.SocialMedia, at(0))
	low.Priority = 1
	highLate := newJob("acme", jobqueue.SocialMedia, at(2*time.Second))
	highLate.Priority = 10
	highEarly := newJob("acme", jobqueue.SocialMedia, at(time.Second))
	highEarly.Priority = 10
	mustCreate(t, st, low, highLate, highEarly)

	var order []string
	for i := 0; i < 3; i++ {
		job, err := st.Next(ctx, at(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, job, "Next #%d", i)
		order = append(order, job.ID)
		job.Status = jobqueue.Processing
		require.NoError(t, st.Update(ctx, job))
	}
	assert.Equal(t, []string{highEarly.ID, highLate.ID, low.ID}, order)

	job, err := st.Next(ctx, at(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, job)
}

func testNextSkipsScheduledAndClaimed(t *testing.T, st jobqueue.Store) {
	ctx := context.Background()
	future := newJob("acme", jobqueue.PhotoProcessing, at(0))
	future.Priority = 100
	future.ScheduledFor = ptr(at(time.Minute))
	claimed := newJob("acme", jobqueue.PhotoProcessing, at(0))
	claimed.Priority = 50
	claimed.Status = jobqueue.Processing
	ready := newJob("acme", jobqueue.PhotoProcessing, at(time.Second))
	mustCreate(t, st, future, claimed, ready)

	job, err := st.Next(ctx, at(30*time.Second))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, ready.ID, job.ID)

	// ScheduledFor equal to now is eligible
	job, err = st.Next(ctx, at(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, future.ID, job.ID)
}

func testCount(t *testing.T, st jobqueue.Store) {
	ctx := context.Background()
	a1 := newJob("a", jobqueue.EmailProcessing, at(0))
	a2 := newJob("a", jobqueue.AIGeneration, at(0))
	a2.Status = jobqueue.Failed
	b1 := newJob("b", jobqueue.EmailProcessing, at(0))
	b1.Status = jobqueue.Completed
	mustCreate(t, st, a1, a2, b1)

	tests := []struct {
		Request jobqueue.CountRequest
		Want    int
	}{
		{jobqueue.CountRequest{}, 3},
		{jobqueue.CountRequest{Tenant: "a"}, 2},
		{jobqueue.CountRequest{Tenant: "b"}, 1},
		{jobqueue.CountRequest{Tenant: "c"}, 0},
		{jobqueue.CountRequest{Type: jobqueue.EmailProcessing}, 2},
		{jobqueue.CountRequest{Status: jobqueue.Pending}, 1},
		{jobqueue.CountRequest{Tenant: "a", Status: jobqueue.Failed}, 1},
		{jobqueue.CountRequest{Tenant: "a", Type: jobqueue.EmailProcessing, Status: jobqueue.Completed}, 0},
	}
	for i, tt := range tests {
		n, err := st.Count(ctx, &tt.Request)
		require.NoError(t, err, "#%d", i)
		assert.Equal(t, tt.Want, n, "#%d: %+v", i, tt.Request)
	}
}

func testList(t *testing.T, st jobqueue.Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		tenant := "a"
		if i%2 == 1 {
			tenant = "b"
		}
		job := newJob(tenant, jobqueue.RevenueAnalytics, at(time.Duration(i)*time.Second))
		mustCreate(t, st, job)
		ids = append(ids, job.ID)
	}

	rsp, err := st.List(ctx, &jobqueue.ListRequest{})
	require.NoError(t, err)
	assert.Equal(t, 5, rsp.Total)
	require.Len(t, rsp.Jobs, 5)
	// Most recently updated first
	assert.Equal(t, ids[4], rsp.Jobs[0].ID)
	assert.Equal(t, ids[0], rsp.Jobs[4].ID)

	rsp, err = st.List(ctx, &jobqueue.ListRequest{Tenant: "a"})
	require.NoError(t, err)
	assert.Equal(t, 3, rsp.Total)
	assert.Len(t, rsp.Jobs, 3)
	for _, job := range rsp.Jobs {
		assert.Equal(t, "a", job.Tenant)
	}

	rsp, err = st.List(ctx, &jobqueue.ListRequest{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, rsp.Total)
	require.Len(t, rsp.Jobs, 2)
	assert.Equal(t, ids[3], rsp.Jobs[0].ID)
	assert.Equal(t, ids[2], rsp.Jobs[1].ID)

	rsp, err = st.List(ctx, &jobqueue.ListRequest{Offset: 4})
	require.NoError(t, err)
	require.Len(t, rsp.Jobs, 1)
	assert.Equal(t, ids[0], rsp.Jobs[0].ID)

	rsp, err = st.List(ctx, &jobqueue.ListRequest{Status: jobqueue.Completed})
	require.NoError(t, err)
	assert.Equal(t, 0, rsp.Total)
	assert.Empty(t, rsp.Jobs)
}

func testListLeaseExpired(t *testing.T, st jobqueue.Store) {
	ctx := context.Background()
	var jobs []*jobqueue.Job
	for i, lease := range []*time.Time{ptr(at(time.Minute)), ptr(at(2 * time.Minute)), nil} {
		job := newJob("acme", jobqueue.AIGeneration, at(time.Duration(i)*time.Second))
		job.Status = jobqueue.Processing
		job.LeaseExpiresAt = lease
		mustCreate(t, st, job)
		jobs = append(jobs, job)
	}

	tests := []struct {
		Before time.Time
		Want   int
	}{
		{at(30 * time.Second), 0},
		{at(time.Minute), 1},
		{at(90 * time.Second), 1},
		{at(time.Hour), 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.Before.Sub(epoch)), func(t *testing.T) {
			rsp, err := st.List(ctx, &jobqueue.ListRequest{
				Status:             jobqueue.Processing,
				LeaseExpiredBefore: tt.Before,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.Want, rsp.Total)
			assert.Len(t, rsp.Jobs, tt.Want)
			for _, job := range rsp.Jobs {
				assert.NotEqual(t, jobs[2].ID, job.ID)
			}
		})
	}
}
