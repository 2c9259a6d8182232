package mongodb

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/olivere/jobqueue"
	"github.com/olivere/jobqueue/storetest"
)

// Set JOBQUEUE_MONGODB_URL to run the tests against a MongoDB server,
// e.g. "mongodb://localhost/jobqueue_test".
var testDBURL = os.Getenv("JOBQUEUE_MONGODB_URL")

func TestMain(m *testing.M) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if testDBURL == "" {
		os.Exit(m.Run())
	}

	uri, err := url.Parse(testDBURL)
	if err != nil {
		panic(fmt.Sprintf("unable to parse connection string %q: %v", testDBURL, err))
	}
	if uri.Path == "" || uri.Path == "/" {
		panic(fmt.Sprintf("no database specified in connection string %q", testDBURL))
	}
	dbname := strings.TrimLeft(uri.Path, "/") // uri.Path[1:]

	session, err := mgo.DialWithTimeout(testDBURL, 15*time.Second)
	if err != nil {
		panic(fmt.Sprintf("unable to connect to %q: %v", testDBURL, err))
	}
	defer session.Close()

	code := m.Run()

	err = session.DB(dbname).DropDatabase()
	if err != nil {
		panic(fmt.Sprintf("unable to drop database in connection string %q: %v", testDBURL, err))
	}

	os.Exit(code)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testDBURL == "" {
		t.Skip("JOBQUEUE_MONGODB_URL not set")
	}
	st, err := NewStore(testDBURL)
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	sess, coll := st.c()
	defer sess.Close()
	if _, err := coll.RemoveAll(bson.M{}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestMongoDBNewStore(t *testing.T) {
	st := newTestStore(t)
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start returned %v", err)
	}
}

func TestMongoDBStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) jobqueue.Store {
		return newTestStore(t)
	})
}

// TestMongoDBJobSuccess is the green case where a job is added and it is
// processed without problems.
func TestMongoDBJobSuccess(t *testing.T) {
	st := newTestStore(t)
	jobDone := make(chan struct{}, 1)

	m := jobqueue.New(jobqueue.SetStore(st), jobqueue.SetPollInterval(50*time.Millisecond))
	h := jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
		if have, want := string(job.Payload), `"Hello"`; have != want {
			return nil, fmt.Errorf("expected payload = %s, have %s", want, have)
		}
		jobDone <- struct{}{}
		return nil, nil
	})
	if err := m.Register(jobqueue.SocialMedia, h); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	job, err := m.Add(context.Background(), "acme", jobqueue.SocialMedia, "Hello")
	if err != nil {
		t.Fatalf("Add failed with %v", err)
	}
	if job.ID == "" {
		t.Fatalf("Job ID = %q", job.ID)
	}
	select {
	case <-jobDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Handler timed out")
	}
}

func TestJobDocumentRoundtrip(t *testing.T) {
	lease := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	in := &jobqueue.Job{
		ID:             "id",
		Tenant:         "acme",
		Type:           jobqueue.AIGeneration,
		Status:         jobqueue.Processing,
		Priority:       3,
		Payload:        []byte(`{"prompt":"hi"}`),
		MaxAttempts:    3,
		LeaseExpiresAt: &lease,
		CreatedAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Version:        4,
	}
	out := newJob(in).ToJob()
	if have, want := string(out.Payload), `{"prompt":"hi"}`; have != want {
		t.Fatalf("Payload = %s, want %s", have, want)
	}
	if out.Result != nil {
		t.Fatalf("Result = %s, want nil", out.Result)
	}
	if out.ScheduledFor != nil {
		t.Fatalf("ScheduledFor = %v, want nil", out.ScheduledFor)
	}
	if out.LeaseExpiresAt == nil || !out.LeaseExpiresAt.Equal(lease) {
		t.Fatalf("LeaseExpiresAt = %v, want %v", out.LeaseExpiresAt, lease)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("CreatedAt = %v, want %v", out.CreatedAt, in.CreatedAt)
	}
	if have, want := out.Version, int64(4); have != want {
		t.Fatalf("Version = %d, want %d", have, want)
	}
}
