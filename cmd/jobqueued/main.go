// Command jobqueued runs the job queue as a server. It exposes the HTTP
// API and the WebSocket state stream, processes jobs in the background,
// and serves Prometheus metrics.
//
// All settings are read from the environment, see internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/olivere/jobqueue"
	"github.com/olivere/jobqueue/cache"
	"github.com/olivere/jobqueue/internal/config"
	"github.com/olivere/jobqueue/metrics"
	"github.com/olivere/jobqueue/mongodb"
	"github.com/olivere/jobqueue/mysql"
	"github.com/olivere/jobqueue/notify/amqp"
	"github.com/olivere/jobqueue/postgres"
	"github.com/olivere/jobqueue/sqlite"
	"github.com/olivere/jobqueue/ui/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jobqueued: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize the store
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
	}
	defer closeStore()
	logger.Info("store ready", zap.String("type", cfg.Store.Type))

	// Initialize the result cache
	resultCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s cache: %w", cfg.Cache.Type, err)
	}

	// Observers
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observers := []jobqueue.Observer{metrics.NewObserver(reg)}
	if cfg.AMQPURL != "" {
		notifier, err := amqp.Dial(cfg.AMQPURL,
			amqp.SetExchange(cfg.AMQPExchange),
			amqp.SetLogger(zap.NewStdLog(logger.Named("amqp"))),
		)
		if err != nil {
			return err
		}
		defer notifier.Close()
		observers = append(observers, notifier)
		logger.Info("publishing events", zap.String("exchange", cfg.AMQPExchange))
	}

	// Initialize the manager
	options := []jobqueue.ManagerOption{
		jobqueue.SetLogger(zap.NewStdLog(logger.Named("jobqueue"))),
		jobqueue.SetStore(st),
		jobqueue.SetConcurrency(cfg.Queue.Concurrency),
		jobqueue.SetLease(cfg.Queue.Lease),
		jobqueue.SetPollInterval(cfg.Queue.PollInterval),
		jobqueue.SetObservers(observers...),
	}
	if cfg.Queue.Backoff {
		options = append(options, jobqueue.SetBackoffFunc(jobqueue.ExponentialBackoff))
	}
	m := jobqueue.New(options...)
	reg.MustRegister(metrics.NewStatsCollector(m.Stats))

	hs := handlers(logger.Named("handler"))
	if err := registerHandlers(m, hs, resultCache, cfg.Cache.TTL, cfg.Cache.Types); err != nil {
		return err
	}

	if cfg.Queue.Background {
		if err := m.Start(); err != nil {
			return fmt.Errorf("start manager: %w", err)
		}
		defer func() {
			if err := m.CloseWithTimeout(shutdownTimeout); err != nil {
				logger.Warn("manager shutdown", zap.Error(err))
			}
		}()
		logger.Info("manager started",
			zap.Int("concurrency", cfg.Queue.Concurrency),
			zap.Duration("lease", cfg.Queue.Lease),
		)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsAddr, reg, logger)
	})
	g.Go(func() error {
		srv := server.New(m,
			server.SetLogger(logger.Named("http")),
			server.SetAllowedOrigins(cfg.CORSOrigins...),
		)
		return srv.Serve(gctx, cfg.Addr)
	})
	err = g.Wait()
	logger.Info("shutting down")
	return err
}

// registerHandlers registers hs with m. Results are cached in c only for
// the given types; other handlers have side effects and always run.
func registerHandlers(m *jobqueue.Manager, hs map[jobqueue.Type]jobqueue.Handler, c cache.Cache, ttl time.Duration, cached []string) error {
	memoize := make(map[jobqueue.Type]bool, len(cached))
	for _, typ := range cached {
		memoize[jobqueue.Type(strings.TrimSpace(typ))] = true
	}
	for typ, h := range hs {
		if c != nil && memoize[typ] {
			h = cache.Memoize(h, c, ttl)
		}
		if err := m.Register(typ, h); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Debug {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (jobqueue.Store, func(), error) {
	debug := zap.NewStdLog(logger.Named("store"))
	switch cfg.Store.Type {
	case "sqlite":
		var options []sqlite.StoreOption
		if cfg.Debug {
			options = append(options, sqlite.SetDebug(debug))
		}
		st, err := sqlite.NewStore(cfg.Store.URL, options...)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case "mysql":
		options := []mysql.StoreOption{mysql.SetLogger(debug)}
		if cfg.Debug {
			options = append(options, mysql.SetDebug(true))
		}
		st, err := mysql.NewStore(cfg.Store.URL, options...)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case "postgres":
		var options []postgres.StoreOption
		if cfg.Debug {
			options = append(options, postgres.SetDebug(debug))
		}
		st, err := postgres.NewStore(ctx, cfg.Store.URL, options...)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case "mongodb":
		st, err := mongodb.NewStore(cfg.Store.URL)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
	logger.Warn("jobs are kept in memory and lost on restart")
	return jobqueue.NewInMemoryStore(), func() {}, nil
}

func openCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (cache.Cache, error) {
	switch cfg.Cache.Type {
	case "memory":
		lru := cache.NewLRU(cache.LRUConfig{Capacity: cfg.Cache.Capacity})
		go lru.Run(ctx, cfg.Cache.SweepInterval)
		return lru, nil
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Cache.RedisAddr},
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		rc := cache.NewRedis(client)
		if err := rc.Health(ctx); err != nil {
			client.Close()
			return nil, err
		}
		go func() {
			<-ctx.Done()
			client.Close()
		}()
		logger.Info("redis cache ready", zap.String("addr", cfg.Cache.RedisAddr))
		return rc, nil
	}
	return nil, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	hs := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		errc <- hs.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
