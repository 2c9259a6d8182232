// Package sqlstore implements jobqueue.Store on top of database/sql. The
// mysql, postgres, and sqlite packages configure it with their dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/olivere/jobqueue"
)

// Table is the name of the table storing jobs.
const Table = "jobqueue_jobs"

// Dialect describes the differences between SQL databases.
type Dialect struct {
	// DriverName is the database/sql driver, e.g. "mysql".
	DriverName string
	// Placeholder formats bind parameters, e.g. sq.Question or sq.Dollar.
	Placeholder sq.PlaceholderFormat
	// Goose is the dialect used to run Migrations.
	Goose goose.Dialect
	// Migrations holds the goose migration files in its root directory.
	Migrations fs.FS
	// Retryable reports whether a failed transaction may be repeated,
	// e.g. after a deadlock.
	Retryable func(error) bool
}

// Store represents a persistent SQL storage implementation.
// It implements the jobqueue.Store interface.
type Store struct {
	db         *sqlx.DB
	dialect    Dialect
	sb         sq.StatementBuilderType
	now        func() time.Time
	newBackoff func() backoff.BackOff
	debug      jobqueue.Logger
}

var _ jobqueue.Store = (*Store)(nil)

// Option is an options provider for Store.
type Option func(*Store)

// WithClock replaces time.Now for the updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDebug logs every statement to logger. Pass nil to disable.
func WithDebug(logger jobqueue.Logger) Option {
	return func(s *Store) {
		s.debug = logger
	}
}

// WithBackoff specifies the backoff for retrying transactions.
func WithBackoff(fn func() backoff.BackOff) Option {
	return func(s *Store) {
		if fn != nil {
			s.newBackoff = fn
		}
	}
}

// New wraps db. Call Migrate before using the store.
func New(db *sql.DB, dialect Dialect, options ...Option) *Store {
	s := &Store{
		db:      sqlx.NewDb(db, dialect.DriverName),
		dialect: dialect,
		sb:      sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder),
		now:     time.Now,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 15 * time.Second
			return b
		},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// DB returns the underlying database handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Migrate brings the schema up to date.
func (s *Store) Migrate(ctx context.Context) error {
	p, err := goose.NewProvider(s.dialect.Goose, s.db.DB, s.dialect.Migrations)
	if err != nil {
		return fmt.Errorf("sqlstore: init migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// Close the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runInTx(ctx context.Context, fn func(context.Context, *sqlx.Tx) error) error {
	return RunInTxWithRetryBackoff(ctx, s.db, fn, s.retryable, s.newBackoff())
}

func (s *Store) trace(query string, args []interface{}) {
	if s.debug != nil {
		s.debug.Printf("sqlstore: %s %v", query, args)
	}
}

func (s *Store) retryable(err error) bool {
	if s.dialect.Retryable == nil {
		return false
	}
	return s.dialect.Retryable(err)
}

// Start verifies the connection to the database.
func (s *Store) Start(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create adds a new job to the store.
func (s *Store) Create(ctx context.Context, job *jobqueue.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	r := newRow(job)
	r.Updated = r.Created
	r.Version = 1

	query, args, err := s.sb.Insert(Table).SetMap(r.values()).ToSql()
	if err != nil {
		return err
	}
	s.trace(query, args)
	err = s.runInTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return err
	}
	job.UpdatedAt = job.CreatedAt
	job.Version = r.Version
	return nil
}

// Update updates the job in the store if its version is unchanged.
func (s *Store) Update(ctx context.Context, job *jobqueue.Job) error {
	r := newRow(job)
	r.Updated = s.now().UnixNano()
	r.Version = job.Version + 1

	values := r.values()
	delete(values, "id")
	delete(values, "created")
	delete(values, "tenant") // immutable
	query, args, err := s.sb.Update(Table).
		SetMap(values).
		Where(sq.Eq{"id": job.ID, "version": job.Version}).
		ToSql()
	if err != nil {
		return err
	}
	exists, existsArgs, err := s.sb.Select("COUNT(*)").From(Table).Where(sq.Eq{"id": job.ID}).ToSql()
	if err != nil {
		return err
	}

	s.trace(query, args)
	err = s.runInTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		var count int
		if err := tx.GetContext(ctx, &count, exists, existsArgs...); err != nil {
			return err
		}
		if count == 0 {
			return jobqueue.ErrNotFound
		}
		return jobqueue.ErrConflict
	})
	if err != nil {
		return err
	}
	job.Version = r.Version
	job.UpdatedAt = fromNanos(r.Updated)
	return nil
}

// Next picks the next job to execute, or nil if no executable job is available.
func (s *Store) Next(ctx context.Context, now time.Time) (*jobqueue.Job, error) {
	query, args, err := s.sb.Select(columns...).
		From(Table).
		Where(sq.Eq{"status": string(jobqueue.Pending)}).
		Where(sq.LtOrEq{"scheduled_for": now.UnixNano()}).
		OrderBy("priority DESC", "created ASC", "id ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	s.trace(query, args)
	var r row
	err = s.db.GetContext(ctx, &r, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.toJob(), nil
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*jobqueue.Job, error) {
	query, args, err := s.sb.Select(columns...).From(Table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	s.trace(query, args)
	var r row
	err = s.db.GetContext(ctx, &r, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobqueue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toJob(), nil
}

// Count returns the number of jobs matching the request.
func (s *Store) Count(ctx context.Context, req *jobqueue.CountRequest) (int, error) {
	qry := s.sb.Select("COUNT(*)").From(Table)
	if req.Tenant != "" {
		qry = qry.Where(sq.Eq{"tenant": req.Tenant})
	}
	if req.Type != "" {
		qry = qry.Where(sq.Eq{"job_type": string(req.Type)})
	}
	if req.Status != "" {
		qry = qry.Where(sq.Eq{"status": string(req.Status)})
	}
	query, args, err := qry.ToSql()
	if err != nil {
		return 0, err
	}
	s.trace(query, args)
	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, err
	}
	return n, nil
}

// List returns a list of jobs stored in the data store.
func (s *Store) List(ctx context.Context, req *jobqueue.ListRequest) (*jobqueue.ListResponse, error) {
	filter := func(qry sq.SelectBuilder) sq.SelectBuilder {
		if req.Tenant != "" {
			qry = qry.Where(sq.Eq{"tenant": req.Tenant})
		}
		if req.Type != "" {
			qry = qry.Where(sq.Eq{"job_type": string(req.Type)})
		}
		if req.Status != "" {
			qry = qry.Where(sq.Eq{"status": string(req.Status)})
		}
		if !req.LeaseExpiredBefore.IsZero() {
			qry = qry.
				Where(sq.Gt{"lease_expires_at": 0}).
				Where(sq.LtOrEq{"lease_expires_at": req.LeaseExpiredBefore.UnixNano()})
		}
		return qry
	}
	rsp := &jobqueue.ListResponse{}

	// Count
	query, args, err := filter(s.sb.Select("COUNT(*)").From(Table)).ToSql()
	if err != nil {
		return nil, err
	}
	if err := s.db.GetContext(ctx, &rsp.Total, query, args...); err != nil {
		return nil, err
	}

	// Find
	qry := filter(s.sb.Select(columns...).From(Table)).OrderBy("updated DESC", "id DESC")
	switch {
	case req.Limit > 0:
		qry = qry.Limit(uint64(req.Limit))
	case req.Offset > 0:
		// OFFSET requires LIMIT in MySQL and SQLite
		qry = qry.Limit(math.MaxInt32)
	}
	if req.Offset > 0 {
		qry = qry.Offset(uint64(req.Offset))
	}
	query, args, err = qry.ToSql()
	if err != nil {
		return nil, err
	}
	s.trace(query, args)
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	for i := range rows {
		rsp.Jobs = append(rsp.Jobs, rows[i].toJob())
	}
	return rsp, nil
}
