// Package sqlite implements a jobqueue.Store backed by an SQLite file.
// It is meant for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"

	sq "github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/olivere/jobqueue"
	"github.com/olivere/jobqueue/internal/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store represents a persistent SQLite storage implementation.
// It implements the jobqueue.Store interface.
type Store struct {
	*sqlstore.Store
	opts []sqlstore.Option
}

var _ jobqueue.Store = (*Store)(nil)

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetDebug logs all SQL statements to logger.
func SetDebug(logger jobqueue.Logger) StoreOption {
	return func(s *Store) {
		s.opts = append(s.opts, sqlstore.WithDebug(logger))
	}
}

// SetStoreOptions passes options to the underlying SQL store.
func SetStoreOptions(opts ...sqlstore.Option) StoreOption {
	return func(s *Store) {
		s.opts = append(s.opts, opts...)
	}
}

// NewStore opens the database at dsn, e.g. "file:jobs.db", and migrates
// the schema to the latest version.
func NewStore(dsn string, options ...StoreOption) (*Store, error) {
	st := &Store{}
	for _, opt := range options {
		opt(st)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer only
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	st.Store = sqlstore.New(db, Dialect(), st.opts...)
	if err := st.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// Dialect returns the SQLite settings for sqlstore.
func Dialect() sqlstore.Dialect {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sqlstore.Dialect{
		DriverName:  "sqlite",
		Placeholder: sq.Question,
		Goose:       goose.DialectSQLite3,
		Migrations:  sub,
		Retryable:   IsBusy,
	}
}

// IsBusy returns true if the database was locked by another connection.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
