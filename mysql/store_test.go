package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/olivere/jobqueue"
	"github.com/olivere/jobqueue/storetest"
)

// Set JOBQUEUE_MYSQL_URL to run the tests against a MySQL server, e.g.
// "root@tcp(127.0.0.1:3306)/jobqueue_test?loc=UTC".
var testDBURL = os.Getenv("JOBQUEUE_MYSQL_URL")

func TestMain(m *testing.M) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if testDBURL == "" {
		os.Exit(m.Run())
	}

	cfg, err := mysql.ParseDSN(testDBURL)
	if err != nil {
		panic(fmt.Sprintf("unable to parse connection string %q: %v", testDBURL, err))
	}
	dbname := cfg.DBName
	if dbname == "" {
		panic(fmt.Sprintf("no database specified in connection string %q", testDBURL))
	}
	// Connect without DB name
	cfg.DBName = ""
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		panic(fmt.Sprintf("unable to open connection string %q: %v", cfg.FormatDSN(), err))
	}
	defer db.Close()

	code := m.Run()

	// Drop database
	_, err = db.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", dbname))
	if err != nil {
		panic(fmt.Sprintf("unable to drop database %q from connection string %q: %v", dbname, testDBURL, err))
	}

	os.Exit(code)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testDBURL == "" {
		t.Skip("JOBQUEUE_MYSQL_URL not set")
	}
	st, err := NewStore(testDBURL, SetDebug(testing.Verbose()))
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	if _, err := st.DB().Exec("DELETE FROM jobqueue_jobs"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestMySQLNewStore(t *testing.T) {
	st := newTestStore(t)
	// Migrations are idempotent
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate returned %v", err)
	}
}

func TestMySQLStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) jobqueue.Store {
		return newTestStore(t)
	})
}

// TestMySQLJobSuccess is the green case where a job is added and it is
// processed without problems.
func TestMySQLJobSuccess(t *testing.T) {
	st := newTestStore(t)
	jobDone := make(chan struct{}, 1)

	m := jobqueue.New(jobqueue.SetStore(st), jobqueue.SetPollInterval(50*time.Millisecond))
	h := jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
		if have, want := string(job.Payload), `"Hello"`; have != want {
			return nil, fmt.Errorf("expected payload = %s, have %s", want, have)
		}
		jobDone <- struct{}{}
		return "World", nil
	})
	if err := m.Register(jobqueue.EmailProcessing, h); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	job, err := m.Add(context.Background(), "acme", jobqueue.EmailProcessing, "Hello")
	if err != nil {
		t.Fatalf("Add failed with %v", err)
	}
	if job.ID == "" {
		t.Fatalf("Job ID = %q", job.ID)
	}
	timeout := 5 * time.Second
	select {
	case <-jobDone:
	case <-time.After(timeout):
		t.Fatal("Handler timed out")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		Err  error
		Want bool
	}{
		{nil, false},
		{sql.ErrNoRows, false},
		{&mysql.MySQLError{Number: 1062}, false},
		{&mysql.MySQLError{Number: 1205}, true},
		{&mysql.MySQLError{Number: 1213}, true},
		{fmt.Errorf("wrapped: %w", &mysql.MySQLError{Number: 1213}), true},
	}
	for i, tt := range tests {
		if have := IsRetryable(tt.Err); have != tt.Want {
			t.Errorf("#%d: IsRetryable(%v) = %v, want %v", i, tt.Err, have, tt.Want)
		}
	}
	if !IsDup(&mysql.MySQLError{Number: 1062}) {
		t.Error("expected IsDup for 1062")
	}
}
