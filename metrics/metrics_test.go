package metrics_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/jobqueue"
	"github.com/olivere/jobqueue/metrics"
)

type nopLogger struct{}

func (nopLogger) Printf(format string, v ...interface{}) {}

func TestObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := metrics.NewObserver(reg)
	m := jobqueue.New(jobqueue.SetLogger(nopLogger{}), jobqueue.SetObservers(obs))
	require.NoError(t, m.Register(jobqueue.EmailProcessing, jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
		return nil, nil
	})))

	ctx := context.Background()
	_, err := m.Add(ctx, "t1", jobqueue.EmailProcessing, nil)
	require.NoError(t, err)
	_, err = m.Add(ctx, "t1", "unknown_type", nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := m.ProcessOne(ctx)
		require.NoError(t, err)
	}

	n, err := testutil.GatherAndCount(reg, "jobqueue_events_total")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	expected := `
# HELP jobqueue_events_total The total number of job state transitions.
# TYPE jobqueue_events_total counter
jobqueue_events_total{event="added",priority="0",type="email_processing"} 1
jobqueue_events_total{event="added",priority="0",type="other"} 1
jobqueue_events_total{event="claimed",priority="0",type="email_processing"} 1
jobqueue_events_total{event="claimed",priority="0",type="other"} 1
jobqueue_events_total{event="completed",priority="0",type="email_processing"} 1
jobqueue_events_total{event="failed",priority="0",type="other"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "jobqueue_events_total"))

	n, err = testutil.GatherAndCount(reg, "jobqueue_handler_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestObserverBoundsLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := metrics.NewObserver(reg)
	m := jobqueue.New(jobqueue.SetLogger(nopLogger{}), jobqueue.SetObservers(obs))

	ctx := context.Background()
	for p := -994; p <= 1000; p += 7 {
		_, err := m.Add(ctx, "t1", jobqueue.SocialMedia, nil, jobqueue.WithPriority(p))
		require.NoError(t, err)
		_, err = m.Add(ctx, "t1", jobqueue.Type(fmt.Sprintf("custom_%d", p)), nil, jobqueue.WithPriority(p))
		require.NoError(t, err)
	}

	// 4 priority buckets for 2 type labels
	n, err := testutil.GatherAndCount(reg, "jobqueue_events_total")
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	expected := `
# HELP jobqueue_events_total The total number of job state transitions.
# TYPE jobqueue_events_total counter
jobqueue_events_total{event="added",priority="0",type="other"} 1
jobqueue_events_total{event="added",priority="0",type="social_media"} 1
jobqueue_events_total{event="added",priority="1-9",type="other"} 1
jobqueue_events_total{event="added",priority="1-9",type="social_media"} 1
jobqueue_events_total{event="added",priority="<0",type="other"} 142
jobqueue_events_total{event="added",priority="<0",type="social_media"} 142
jobqueue_events_total{event="added",priority=">=10",type="other"} 141
jobqueue_events_total{event="added",priority=">=10",type="social_media"} 141
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "jobqueue_events_total"))
}

func TestStatsCollector(t *testing.T) {
	c := metrics.NewStatsCollector(func(ctx context.Context, req *jobqueue.StatsRequest) (*jobqueue.Stats, error) {
		return &jobqueue.Stats{Pending: 3, Processing: 1, Completed: 7, Failed: 2}, nil
	})
	expected := `
# HELP jobqueue_jobs The number of jobs per state.
# TYPE jobqueue_jobs gauge
jobqueue_jobs{status="completed"} 7
jobqueue_jobs{status="failed"} 2
jobqueue_jobs{status="pending"} 3
jobqueue_jobs{status="processing"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "jobqueue_jobs"))
}

func TestStatsCollectorError(t *testing.T) {
	c := metrics.NewStatsCollector(func(ctx context.Context, req *jobqueue.StatsRequest) (*jobqueue.Stats, error) {
		return nil, errors.New("connection refused")
	})
	n := testutil.CollectAndCount(c, "jobqueue_jobs")
	assert.Equal(t, 0, n)
	n = testutil.CollectAndCount(c, "jobqueue_stats_errors_total")
	assert.Equal(t, 1, n)
}
