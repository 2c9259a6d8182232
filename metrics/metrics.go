// Package metrics exposes job queue activity as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/olivere/jobqueue"
)

// Observer records job lifecycle events. Register it with
// jobqueue.SetObservers.
type Observer struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ jobqueue.Observer = (*Observer)(nil)

// NewObserver creates the metrics and registers them with reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "events_total",
			Help:      "The total number of job state transitions.",
		}, []string{"event", "type", "priority"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobqueue",
			Name:      "handler_duration_seconds",
			Help:      "Duration of handler invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"type", "outcome"}),
	}
}

// Observe implements jobqueue.Observer.
func (o *Observer) Observe(ctx context.Context, e jobqueue.Event) {
	typ := typeLabel(e.Job.Type)
	o.events.WithLabelValues(string(e.Kind), typ, priorityLabel(e.Job.Priority)).Inc()
	switch e.Kind {
	case jobqueue.EventCompleted, jobqueue.EventRetried, jobqueue.EventFailed:
		o.duration.WithLabelValues(typ, string(e.Kind)).Observe(e.Duration.Seconds())
	}
}

// Clients choose both priority and type freely, so label values are
// folded into a fixed set.
func priorityLabel(p int) string {
	switch {
	case p < 0:
		return "<0"
	case p == 0:
		return "0"
	case p < 10:
		return "1-9"
	default:
		return ">=10"
	}
}

func typeLabel(t jobqueue.Type) string {
	for _, known := range jobqueue.Types {
		if t == known {
			return string(t)
		}
	}
	return "other"
}

// StatsFunc returns the current number of jobs per state,
// e.g. jobqueue.Manager.Stats.
type StatsFunc func(context.Context, *jobqueue.StatsRequest) (*jobqueue.Stats, error)

// StatsCollector reports the number of jobs per state on every scrape.
type StatsCollector struct {
	stats   StatsFunc
	timeout time.Duration
	desc    *prometheus.Desc
	errors  prometheus.Counter
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector creates a collector that queries stats on every scrape.
// Register it with a prometheus.Registerer.
func NewStatsCollector(stats StatsFunc) *StatsCollector {
	return &StatsCollector{
		stats:   stats,
		timeout: 5 * time.Second,
		desc: prometheus.NewDesc(
			"jobqueue_jobs",
			"The number of jobs per state.",
			[]string{"status"}, nil,
		),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "stats_errors_total",
			Help:      "The total number of failed stats queries.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
	c.errors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	stats, err := c.stats(ctx, &jobqueue.StatsRequest{})
	if err != nil {
		c.errors.Inc()
	} else {
		for status, n := range map[jobqueue.Status]int{
			jobqueue.Pending:    stats.Pending,
			jobqueue.Processing: stats.Processing,
			jobqueue.Completed:  stats.Completed,
			jobqueue.Failed:     stats.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(status))
		}
	}
	c.errors.Collect(ch)
}
