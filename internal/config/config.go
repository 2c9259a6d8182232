// Package config loads the settings of the jobqueued server from the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all server settings.
type Config struct {
	Addr        string `env:"JOBQUEUE_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"JOBQUEUE_METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"JOBQUEUE_LOG_LEVEL" envDefault:"info"`
	Debug       bool   `env:"JOBQUEUE_DEBUG"`

	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string `env:"JOBQUEUE_CORS_ORIGINS" envSeparator:","`

	Store StoreConfig `envPrefix:"JOBQUEUE_STORE_"`
	Queue QueueConfig `envPrefix:"JOBQUEUE_"`
	Cache CacheConfig `envPrefix:"JOBQUEUE_CACHE_"`

	AMQPURL      string `env:"JOBQUEUE_AMQP_URL"`
	AMQPExchange string `env:"JOBQUEUE_AMQP_EXCHANGE" envDefault:"jobqueue.events"`
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	// Type is one of memory, sqlite, mysql, postgres, or mongodb.
	Type string `env:"TYPE" envDefault:"memory"`
	URL  string `env:"URL"`
}

// QueueConfig tunes the manager.
type QueueConfig struct {
	Concurrency  int           `env:"CONCURRENCY" envDefault:"5"`
	Lease        time.Duration `env:"LEASE" envDefault:"5m"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	Backoff      bool          `env:"BACKOFF"`
	// Background starts the scheduler and workers. If false, jobs are only
	// processed via the process endpoint.
	Background bool `env:"BACKGROUND" envDefault:"true"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	// Type is one of none, memory, or redis.
	Type          string        `env:"TYPE" envDefault:"memory"`
	TTL           time.Duration `env:"TTL" envDefault:"1h"`
	Capacity      int           `env:"CAPACITY" envDefault:"1024"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB"`

	// Types lists the job types whose results are cached. Only handlers
	// whose result depends on the payload alone belong here.
	Types []string `env:"TYPES" envSeparator:"," envDefault:"ai_generation,revenue_analytics"`
}

var (
	storeTypes = []string{"memory", "sqlite", "mysql", "postgres", "mongodb"}
	cacheTypes = []string{"none", "memory", "redis"}
)

// Load reads the .env file in the working directory, if any, and parses
// the environment into a Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	return Parse()
}

// Parse parses the environment into a Config without reading .env files.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Sanitize normalizes values and replaces out-of-range numbers with
// their defaults.
func (c *Config) Sanitize() {
	c.Store.Type = strings.ToLower(strings.TrimSpace(c.Store.Type))
	c.Cache.Type = strings.ToLower(strings.TrimSpace(c.Cache.Type))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.Queue.Concurrency < 1 {
		c.Queue.Concurrency = 1
	}
	if c.Queue.Lease <= 0 {
		c.Queue.Lease = 5 * time.Minute
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = 1024
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = time.Minute
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	if !contains(storeTypes, c.Store.Type) {
		return fmt.Errorf("config: unsupported store type %q; use one of %s", c.Store.Type, strings.Join(storeTypes, ", "))
	}
	if c.Store.Type != "memory" && c.Store.URL == "" {
		return fmt.Errorf("config: JOBQUEUE_STORE_URL is required for store type %s", c.Store.Type)
	}
	if !contains(cacheTypes, c.Cache.Type) {
		return fmt.Errorf("config: unsupported cache type %q; use one of %s", c.Cache.Type, strings.Join(cacheTypes, ", "))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
