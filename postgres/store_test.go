package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/jobqueue"
	"github.com/olivere/jobqueue/postgres"
	"github.com/olivere/jobqueue/storetest"
)

// Set JOBQUEUE_POSTGRES_URL to run the tests against a PostgreSQL server, e.g.
// "postgres://postgres@localhost:5432/jobqueue_test?sslmode=disable".
var testDBURL = os.Getenv("JOBQUEUE_POSTGRES_URL")

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	if testDBURL == "" {
		t.Skip("JOBQUEUE_POSTGRES_URL not set")
	}
	st, err := postgres.NewStore(context.Background(), testDBURL)
	require.NoError(t, err)
	_, err = st.DB().Exec("TRUNCATE jobqueue_jobs")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) jobqueue.Store {
		return newTestStore(t)
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		Err  error
		Want bool
	}{
		{nil, false},
		{errors.New("kaboom"), false},
		{&pgconn.PgError{Code: pgerrcode.UniqueViolation}, false},
		{&pgconn.PgError{Code: pgerrcode.SerializationFailure}, true},
		{&pgconn.PgError{Code: pgerrcode.DeadlockDetected}, true},
		{fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: pgerrcode.LockNotAvailable}), true},
	}
	for i, tt := range tests {
		assert.Equal(t, tt.Want, postgres.IsRetryable(tt.Err), "#%d: %v", i, tt.Err)
	}
	assert.True(t, postgres.IsDup(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
}
