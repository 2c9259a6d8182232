package sqlstore

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
)

// RunInTx runs fn in a database transaction.
// The context ctx is passed to fn, as well as the newly created
// transaction.
//
// There are a few rules that fn must respect:
//
// 1. fn must use the passed tx reference for all database calls.
// 2. fn must not commit or rollback the transaction: RunInTx will do that.
//
// If fn returns nil, RunInTx commits the transaction, returning
// the result of Commit.
//
// If fn returns a non-nil value, RunInTx rolls back the
// transaction and will return the reported error from fn.
//
// RunInTx also recovers from panics, e.g. in fn.
func RunInTx(ctx context.Context, db *sqlx.DB, fn func(context.Context, *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("%v", rerr)
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RunInTxWithRetry is like RunInTx but will retry several times with
// exponential backoff. In that case, fn must also be idempotent, i.e. it
// may be called several times without side effects.
//
// Only errors for which retryable returns true are retried. If
// retryable is nil, all errors are retried.
func RunInTxWithRetry(ctx context.Context, db *sqlx.DB, fn func(context.Context, *sqlx.Tx) error, retryable func(error) bool) error {
	return RunInTxWithRetryBackoff(ctx, db, fn, retryable, backoff.NewExponentialBackOff())
}

// RunInTxWithRetryBackoff is like RunInTxWithRetry but with configurable
// backoff.
func RunInTxWithRetryBackoff(ctx context.Context, db *sqlx.DB, fn func(context.Context, *sqlx.Tx) error, retryable func(error) bool, b backoff.BackOff) error {
	b.Reset()
	op := func() error {
		err := RunInTx(ctx, db, fn)
		if err != nil && retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
