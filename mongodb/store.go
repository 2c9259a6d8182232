// Package mongodb implements a jobqueue.Store backed by MongoDB.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/olivere/jobqueue"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "jobqueue_jobs"
)

// Store represents a MongoDB-based storage backend.
type Store struct {
	session        *mgo.Session
	dbname         string
	collectionName string
	now            func() time.Time
}

var _ jobqueue.Store = (*Store)(nil)

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
		now:            time.Now,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	st.dbname = uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}
	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	// Create indices
	sess, coll := st.c()
	defer sess.Close()
	indices := [][]string{
		{"status", "-priority", "created", "_id"},
		{"tenant", "status"},
		{"job_type"},
		{"lease_expires_at"},
		{"-updated"},
	}
	for _, keys := range indices {
		if err := coll.EnsureIndexKey(keys...); err != nil {
			st.session.Close()
			return nil, err
		}
	}
	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

// SetClock replaces time.Now for the updated timestamps.
func SetClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// c returns a copy of the session and the jobs collection on it.
// Callers must close the session.
func (s *Store) c() (*mgo.Session, *mgo.Collection) {
	sess := s.session.Copy()
	return sess, sess.DB(s.dbname).C(s.collectionName)
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// Map mgo.ErrNotFound to jobqueue-specific "not found" error
		return jobqueue.ErrNotFound
	}
	return err
}

// Start is called when the manager starts up.
func (s *Store) Start(ctx context.Context) error {
	sess := s.session.Copy()
	defer sess.Close()
	return sess.Ping()
}

// Create adds a new job to the store.
func (s *Store) Create(ctx context.Context, job *jobqueue.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	j := newJob(job)
	j.Updated = j.Created
	j.Version = 1

	sess, coll := s.c()
	defer sess.Close()
	if err := coll.Insert(j); err != nil {
		if mgo.IsDup(err) {
			return fmt.Errorf("mongodb: job %s already exists", job.ID)
		}
		return s.wrapError(err)
	}
	job.UpdatedAt = job.CreatedAt
	job.Version = j.Version
	return nil
}

// Update updates the job in the store if its version is unchanged.
func (s *Store) Update(ctx context.Context, job *jobqueue.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j := newJob(job)
	j.Updated = s.now().UnixNano()
	j.Version = job.Version + 1

	sess, coll := s.c()
	defer sess.Close()
	err := coll.Update(bson.M{"_id": job.ID, "version": job.Version}, j)
	if err == mgo.ErrNotFound {
		// Either the job is gone or somebody else updated it
		n, cerr := coll.FindId(job.ID).Count()
		if cerr != nil {
			return cerr
		}
		if n == 0 {
			return jobqueue.ErrNotFound
		}
		return jobqueue.ErrConflict
	}
	if err != nil {
		return s.wrapError(err)
	}
	job.Version = j.Version
	job.UpdatedAt = time.Unix(0, j.Updated).UTC()
	return nil
}

// Next picks the next job to execute, or nil if no executable job is available.
func (s *Store) Next(ctx context.Context, now time.Time) (*jobqueue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, coll := s.c()
	defer sess.Close()
	var j Job
	err := coll.Find(bson.M{
		"status":        string(jobqueue.Pending),
		"scheduled_for": bson.M{"$lte": now.UnixNano()},
	}).Sort("-priority", "created", "_id").One(&j)
	if err == mgo.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j.ToJob(), nil
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*jobqueue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, coll := s.c()
	defer sess.Close()
	var j Job
	if err := coll.FindId(id).One(&j); err != nil {
		return nil, s.wrapError(err)
	}
	return j.ToJob(), nil
}

func filter(tenant string, typ jobqueue.Type, status jobqueue.Status) bson.M {
	query := bson.M{}
	if tenant != "" {
		query["tenant"] = tenant
	}
	if typ != "" {
		query["job_type"] = string(typ)
	}
	if status != "" {
		query["status"] = string(status)
	}
	return query
}

// Count returns the number of jobs matching the request.
func (s *Store) Count(ctx context.Context, req *jobqueue.CountRequest) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sess, coll := s.c()
	defer sess.Close()
	n, err := coll.Find(filter(req.Tenant, req.Type, req.Status)).Count()
	if err != nil {
		return 0, s.wrapError(err)
	}
	return n, nil
}

// List returns a list of jobs stored in the data store.
func (s *Store) List(ctx context.Context, request *jobqueue.ListRequest) (*jobqueue.ListResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, coll := s.c()
	defer sess.Close()
	rsp := &jobqueue.ListResponse{}

	// Common filters for both Count and Find
	query := filter(request.Tenant, request.Type, request.Status)
	if !request.LeaseExpiredBefore.IsZero() {
		query["lease_expires_at"] = bson.M{"$gt": 0, "$lte": request.LeaseExpiredBefore.UnixNano()}
	}

	// Count
	count, err := coll.Find(query).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	rsp.Total = count

	// Find
	var list []*Job
	err = coll.Find(query).Sort("-updated", "-_id").Skip(request.Offset).Limit(request.Limit).All(&list)
	if err != nil {
		return nil, s.wrapError(err)
	}
	for _, j := range list {
		rsp.Jobs = append(rsp.Jobs, j.ToJob())
	}
	return rsp, nil
}

// -- MongoDB-internal representation of a job --

// Job is the document stored in MongoDB. Timestamps are nanoseconds
// since the epoch, with 0 meaning "not set".
type Job struct {
	ID             string `bson:"_id"`
	Tenant         string `bson:"tenant"`
	Type           string `bson:"job_type"`
	Status         string `bson:"status"`
	Priority       int    `bson:"priority"`
	Payload        string `bson:"payload,omitempty"`
	Result         string `bson:"result,omitempty"`
	Error          string `bson:"last_error,omitempty"`
	Attempts       int    `bson:"attempts"`
	MaxAttempts    int    `bson:"max_attempts"`
	ScheduledFor   int64  `bson:"scheduled_for"`
	ProcessedAt    int64  `bson:"processed_at"`
	CompletedAt    int64  `bson:"completed_at"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
	Created        int64  `bson:"created"`
	Updated        int64  `bson:"updated"`
	Version        int64  `bson:"version"`
}

func newJob(job *jobqueue.Job) *Job {
	return &Job{
		ID:             job.ID,
		Tenant:         job.Tenant,
		Type:           string(job.Type),
		Status:         string(job.Status),
		Priority:       job.Priority,
		Payload:        string(job.Payload),
		Result:         string(job.Result),
		Error:          job.Error,
		Attempts:       job.Attempts,
		MaxAttempts:    job.MaxAttempts,
		ScheduledFor:   toNanos(job.ScheduledFor),
		ProcessedAt:    toNanos(job.ProcessedAt),
		CompletedAt:    toNanos(job.CompletedAt),
		LeaseExpiresAt: toNanos(job.LeaseExpiresAt),
		Created:        job.CreatedAt.UnixNano(),
		Updated:        job.UpdatedAt.UnixNano(),
		Version:        job.Version,
	}
}

// ToJob converts the document back into a jobqueue.Job.
func (j *Job) ToJob() *jobqueue.Job {
	job := &jobqueue.Job{
		ID:             j.ID,
		Tenant:         j.Tenant,
		Type:           jobqueue.Type(j.Type),
		Status:         jobqueue.Status(j.Status),
		Priority:       j.Priority,
		Error:          j.Error,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		ScheduledFor:   fromNanos(j.ScheduledFor),
		ProcessedAt:    fromNanos(j.ProcessedAt),
		CompletedAt:    fromNanos(j.CompletedAt),
		LeaseExpiresAt: fromNanos(j.LeaseExpiresAt),
		CreatedAt:      time.Unix(0, j.Created).UTC(),
		UpdatedAt:      time.Unix(0, j.Updated).UTC(),
		Version:        j.Version,
	}
	if j.Payload != "" {
		job.Payload = json.RawMessage(j.Payload)
	}
	if j.Result != "" {
		job.Result = json.RawMessage(j.Result)
	}
	return job
}

func toNanos(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
