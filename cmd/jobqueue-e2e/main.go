// Command jobqueue-e2e is a load generator. It adds random jobs for a
// set of tenants, processes them with handlers that fail at a given rate,
// and logs the queue statistics periodically.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/olivere/jobqueue"
	"github.com/olivere/jobqueue/mongodb"
	"github.com/olivere/jobqueue/mysql"
	"github.com/olivere/jobqueue/postgres"
	"github.com/olivere/jobqueue/sqlite"
)

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/jobqueue_e2e?loc=UTC&parseTime=true"
	)
	var (
		priorities      = flag.Int("p", 3, "number of priorities as in [0,p)")
		concurrency     = flag.Int("c", 2, "maximum number of workers")
		fillTime        = flag.Duration("fill-time", 500*time.Millisecond, "interval in which new jobs get added")
		runTime         = flag.Duration("run-time", 2*time.Second, "maximum run time of a single job")
		lease           = flag.Duration("lease", 10*time.Second, "lease of a claimed job")
		logInterval     = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		maxAttempts     = flag.Int("max-attempts", 3, "maximum number of attempts per job")
		dbtype          = flag.String("dbtype", "memory", "Storage type (memory, sqlite, mysql, postgres or mongodb)")
		dburl           = flag.String("dburl", "", "DSN for persistent storage, e.g. "+exampleDBURL)
		dbdebug         = flag.Bool("dbdebug", false, "Enabled debug output for DB store")
		tenantsList     = flag.String("tenants", "acme,globex,initech", "comma-separated list of tenants")
		failureRate     = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		backoff         = flag.Bool("backoff", false, "delay retries exponentially")
		shutdownTimeout = flag.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown (negative to wait forever)")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if *priorities <= 0 {
		logger.Fatal("p must be greater than 0")
	}
	if *dbtype != "memory" && *dburl == "" {
		logger.Fatal("specify a database connection string with -dburl like e.g. " + exampleDBURL)
	}

	// Initialize the store
	var store jobqueue.Store
	debug := zap.NewStdLog(logger.Named("store"))
	switch *dbtype {
	case "sqlite":
		var dboptions []sqlite.StoreOption
		if *dbdebug {
			dboptions = append(dboptions, sqlite.SetDebug(debug))
		}
		store, err = sqlite.NewStore(*dburl, dboptions...)
	case "mysql":
		dboptions := []mysql.StoreOption{mysql.SetLogger(debug)}
		if *dbdebug {
			dboptions = append(dboptions, mysql.SetDebug(true))
		}
		store, err = mysql.NewStore(*dburl, dboptions...)
	case "postgres":
		var dboptions []postgres.StoreOption
		if *dbdebug {
			dboptions = append(dboptions, postgres.SetDebug(debug))
		}
		store, err = postgres.NewStore(context.Background(), *dburl, dboptions...)
	case "mongodb":
		store, err = mongodb.NewStore(*dburl)
	case "memory":
		store = jobqueue.NewInMemoryStore()
	default:
		logger.Fatal("unsupported dbtype", zap.String("dbtype", *dbtype))
	}
	if err != nil {
		logger.Fatal("unable to open store", zap.Error(err))
	}

	// Initialize the manager
	options := []jobqueue.ManagerOption{
		jobqueue.SetLogger(zap.NewStdLog(logger.Named("jobqueue"))),
		jobqueue.SetStore(store),
		jobqueue.SetConcurrency(*concurrency),
		jobqueue.SetLease(*lease),
		jobqueue.SetPollInterval(100 * time.Millisecond),
	}
	if *backoff {
		options = append(options, jobqueue.SetBackoffFunc(jobqueue.ExponentialBackoff))
	}
	m := jobqueue.New(options...)

	// Add handlers
	for _, typ := range jobqueue.Types {
		err := m.Register(typ, makeHandler(*failureRate, *runTime))
		if err != nil {
			logger.Fatal("unable to register handler", zap.Error(err))
		}
	}

	// Start the manager
	if err := m.Start(); err != nil {
		logger.Fatal("unable to start manager", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)

	// Enqueue jobs
	tenants := strings.Split(*tenantsList, ",")
	go func() {
		err := enqueuer(ctx, m, tenants, *priorities, *fillTime, *maxAttempts)
		if !errors.Is(err, context.Canceled) {
			errc <- err
		}
	}()

	// Print stats
	go statsLogger(ctx, m, logger, *logInterval)

	// Wait for e.g. Ctrl+C
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		logger.Info("signal", zap.Stringer("signal", <-c))
		cancel()
		errc <- m.CloseWithTimeout(*shutdownTimeout)
	}()

	if err := <-errc; err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
	logger.Info("exiting")
}

func enqueuer(ctx context.Context, m *jobqueue.Manager, tenants []string, priorities int, fillTime time.Duration, maxAttempts int) error {
	var cnt int

	fillTimeNanos := fillTime.Nanoseconds()
	for {
		select {
		case <-time.After(time.Duration(rand.Int63n(fillTimeNanos)) * time.Nanosecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		tenant := tenants[rand.Intn(len(tenants))]
		typ := jobqueue.Types[rand.Intn(len(jobqueue.Types))]
		cnt++
		payload := map[string]interface{}{"seq": fmt.Sprintf("#%05d", cnt)}
		_, err := m.Add(ctx, tenant, typ, payload,
			jobqueue.WithPriority(rand.Intn(priorities)),
			jobqueue.WithMaxAttempts(maxAttempts),
		)
		if err != nil {
			return err
		}
	}
}

func statsLogger(ctx context.Context, m *jobqueue.Manager, logger *zap.Logger, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			ss, err := m.Stats(ctx, nil)
			if err != nil {
				logger.Warn("stats failed", zap.Error(err))
				continue
			}
			logger.Info("stats",
				zap.Int("pending", ss.Pending),
				zap.Int("processing", ss.Processing),
				zap.Int("completed", ss.Completed),
				zap.Int("failed", ss.Failed),
			)
		case <-ctx.Done():
			return
		}
	}
}

func makeHandler(failureRate float64, runTime time.Duration) jobqueue.Handler {
	runTimeNanos := runTime.Nanoseconds()
	return jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
		select {
		case <-time.After(time.Duration(rand.Int63n(runTimeNanos)) * time.Nanosecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if rand.Float64() < failureRate {
			return nil, errors.New("handler failed")
		}
		return map[string]string{"tenant": job.Tenant}, nil
	})
}
