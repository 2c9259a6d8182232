package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/olivere/jobqueue/internal/sqlstore"
)

var errDeadlock = errors.New("deadlock found when trying to get lock")

type Person struct {
	ID   int64
	Name string
}

const (
	createPersonTableSQL = `CREATE TABLE IF NOT EXISTS people (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`
)

func connect(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// Every connection to :memory: opens a new database
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createPersonTableSQL); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlite")
}

func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

func isDeadlock(err error) bool {
	return errors.Is(err, errDeadlock)
}

func insertPeople(ctx context.Context, tx *sqlx.Tx, people ...*Person) error {
	for _, p := range people {
		res, err := tx.ExecContext(ctx, `INSERT INTO people (name) VALUES (?)`, p.Name)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		p.ID = id
	}
	return nil
}

func countPeople(t *testing.T, db *sqlx.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Get(&count, `SELECT COUNT(*) FROM people`); err != nil {
		t.Fatal(err)
	}
	return count
}

func TestRunInTx(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		db := connect(t)
		alice := &Person{Name: "Alice"}
		bob := &Person{Name: "Bob"}
		err := sqlstore.RunInTx(context.Background(), db, func(ctx context.Context, tx *sqlx.Tx) error {
			return insertPeople(ctx, tx, alice, bob)
		})
		if err != nil {
			t.Fatal(err)
		}
		if alice.ID <= 0 {
			t.Fatal("expected Alice.ID > 0")
		}
		if bob.ID <= 0 {
			t.Fatal("expected Bob.ID > 0")
		}
		if want, have := int64(2), countPeople(t, db); want != have {
			t.Fatalf("expected %d rows, got %d", want, have)
		}
	})

	t.Run("ErrorInFn", func(t *testing.T) {
		db := connect(t)
		err := sqlstore.RunInTx(context.Background(), db, func(ctx context.Context, tx *sqlx.Tx) error {
			if err := insertPeople(ctx, tx, &Person{Name: "Alice"}); err != nil {
				return err
			}
			return errors.New("kaboom")
		})
		if err == nil {
			t.Fatal("expected an error")
		}
		if want, have := "kaboom", err.Error(); want != have {
			t.Fatalf("expected error %q, got %q", want, have)
		}
		if want, have := int64(0), countPeople(t, db); want != have {
			t.Fatalf("expected %d rows, got %d", want, have)
		}
	})

	t.Run("PanicInFn", func(t *testing.T) {
		db := connect(t)
		err := sqlstore.RunInTx(context.Background(), db, func(ctx context.Context, tx *sqlx.Tx) error {
			if err := insertPeople(ctx, tx, &Person{Name: "Alice"}); err != nil {
				return err
			}
			panic("kaboom")
		})
		if err == nil {
			t.Fatal("expected an error")
		}
		if want, have := "kaboom", err.Error(); want != have {
			t.Fatalf("expected error %q, got %q", want, have)
		}
		if want, have := int64(0), countPeople(t, db); want != have {
			t.Fatalf("expected %d rows, got %d", want, have)
		}
	})
}

func TestRunInTxWithRetry(t *testing.T) {
	t.Run("DeadlockRetry", func(t *testing.T) {
		db := connect(t)
		var calls int
		err := sqlstore.RunInTxWithRetryBackoff(context.Background(), db, func(ctx context.Context, tx *sqlx.Tx) error {
			calls++
			if err := insertPeople(ctx, tx, &Person{Name: "Alice"}, &Person{Name: "Bob"}); err != nil {
				return err
			}
			if calls < 3 {
				return errDeadlock
			}
			return nil
		}, isDeadlock, newBackoff())
		if err != nil {
			t.Fatal(err)
		}
		if want, have := 3, calls; want != have {
			t.Fatalf("expected %d calls, got %d", want, have)
		}
		// Rolled back attempts leave no rows behind
		if want, have := int64(2), countPeople(t, db); want != have {
			t.Fatalf("expected %d rows, got %d", want, have)
		}
	})

	t.Run("ErrorInFnIsNotRetried", func(t *testing.T) {
		db := connect(t)
		var calls int
		err := sqlstore.RunInTxWithRetryBackoff(context.Background(), db, func(ctx context.Context, tx *sqlx.Tx) error {
			calls++
			if err := insertPeople(ctx, tx, &Person{Name: "Alice"}); err != nil {
				return err
			}
			return errors.New("kaboom")
		}, isDeadlock, newBackoff())
		if err == nil {
			t.Fatal("expected an error")
		}
		if want, have := "kaboom", err.Error(); want != have {
			t.Fatalf("expected error %q, got %q", want, have)
		}
		if want, have := 1, calls; want != have {
			t.Fatalf("expected %d calls, got %d", want, have)
		}
		if want, have := int64(0), countPeople(t, db); want != have {
			t.Fatalf("expected %d rows, got %d", want, have)
		}
	})

	t.Run("PanicInFnIsNotRetried", func(t *testing.T) {
		db := connect(t)
		var calls int
		err := sqlstore.RunInTxWithRetryBackoff(context.Background(), db, func(ctx context.Context, tx *sqlx.Tx) error {
			calls++
			panic("kaboom")
		}, isDeadlock, newBackoff())
		if err == nil {
			t.Fatal("expected an error")
		}
		if want, have := 1, calls; want != have {
			t.Fatalf("expected %d calls, got %d", want, have)
		}
	})

	t.Run("GivesUp", func(t *testing.T) {
		db := connect(t)
		b := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
		var calls int
		err := sqlstore.RunInTxWithRetryBackoff(context.Background(), db, func(ctx context.Context, tx *sqlx.Tx) error {
			calls++
			return errDeadlock
		}, isDeadlock, b)
		if !errors.Is(err, errDeadlock) {
			t.Fatalf("expected deadlock error, got %v", err)
		}
		if want, have := 3, calls; want != have {
			t.Fatalf("expected %d calls, got %d", want, have)
		}
	})
}
