package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/jobqueue"
	"github.com/olivere/jobqueue/sqlite"
	"github.com/olivere/jobqueue/storetest"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "jobs.db")
	st, err := sqlite.NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) jobqueue.Store {
		return newTestStore(t)
	})
}

func TestNewStoreIsIdempotent(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "jobs.db")
	for i := 0; i < 2; i++ {
		st, err := sqlite.NewStore(dsn)
		require.NoError(t, err, "#%d", i)
		require.NoError(t, st.Close())
	}
}

func TestIsBusy(t *testing.T) {
	assert.False(t, sqlite.IsBusy(nil))
	assert.False(t, sqlite.IsBusy(errors.New("kaboom")))
}

// TestClaimIsExclusive lets many managers race for the same jobs and
// verifies that every job is claimed exactly once.
func TestClaimIsExclusive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	const numJobs = 20
	producer := jobqueue.New(jobqueue.SetStore(st))
	for i := 0; i < numJobs; i++ {
		_, err := producer.Add(ctx, "acme", jobqueue.PhotoProcessing, map[string]int{"n": i})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := jobqueue.New(jobqueue.SetStore(st))
			for {
				job, err := m.ClaimNext(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, numJobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
	stats, err := producer.Stats(ctx, &jobqueue.StatsRequest{})
	require.NoError(t, err)
	assert.Equal(t, numJobs, stats.Processing)
}

func TestManagerWithSQLite(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	done := make(chan string, 1)

	m := jobqueue.New(
		jobqueue.SetStore(st),
		jobqueue.SetPollInterval(20*time.Millisecond),
	)
	require.NoError(t, m.Register(jobqueue.RevenueAnalytics, jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
		done <- job.ID
		return map[string]int{"revenue": 42}, nil
	})))
	require.NoError(t, m.Start())
	defer m.Close()

	job, err := m.Add(ctx, "acme", jobqueue.RevenueAnalytics, nil)
	require.NoError(t, err)

	select {
	case id := <-done:
		assert.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("handler timed out")
	}
	require.Eventually(t, func() bool {
		j, err := m.Lookup(ctx, job.ID)
		return err == nil && j.Status == jobqueue.Completed
	}, 5*time.Second, 20*time.Millisecond)

	j, err := m.Lookup(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"revenue":42}`, string(j.Result))
	assert.Equal(t, 0, j.Attempts)
	assert.NotNil(t, j.CompletedAt)
}
