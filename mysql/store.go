// Package mysql implements a jobqueue.Store backed by MySQL.
package mysql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	sq "github.com/Masterminds/squirrel"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"

	"github.com/olivere/jobqueue"
	"github.com/olivere/jobqueue/internal/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store represents a persistent MySQL storage implementation.
// It implements the jobqueue.Store interface.
type Store struct {
	*sqlstore.Store

	debug  bool
	logger jobqueue.Logger
	opts   []sqlstore.Option
}

var _ jobqueue.Store = (*Store)(nil)

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore initializes a new MySQL-based storage. The database in url is
// created if it does not exist, and the schema is migrated to the latest
// version.
func NewStore(url string, options ...StoreOption) (*Store, error) {
	st := &Store{
		logger: log.New(os.Stderr, "", log.LstdFlags),
	}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("jobqueue: no database specified")
	}
	ctx := context.Background()

	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	// Create database
	_, err = setupdb.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	db, err := sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}
	opts := st.opts
	if st.debug {
		opts = append(opts, sqlstore.WithDebug(st.logger))
	}
	st.Store = sqlstore.New(db, Dialect(), opts...)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// Dialect returns the MySQL settings for sqlstore.
func Dialect() sqlstore.Dialect {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sqlstore.Dialect{
		DriverName:  "mysql",
		Placeholder: sq.Question,
		Goose:       goose.DialectMySQL,
		Migrations:  sub,
		Retryable:   IsRetryable,
	}
}

// SetDebug indicates whether to enable or disable debugging (which will
// output SQL to the logger).
func SetDebug(enabled bool) StoreOption {
	return func(s *Store) {
		s.debug = enabled
	}
}

// SetLogger specifies the logger for debug output.
func SetLogger(logger jobqueue.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// SetStoreOptions passes options to the underlying SQL store,
// e.g. sqlstore.WithBackoff.
func SetStoreOptions(opts ...sqlstore.Option) StoreOption {
	return func(s *Store) {
		s.opts = append(s.opts, opts...)
	}
}
