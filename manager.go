// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency  = 5
	defaultLease        = 5 * time.Minute
	defaultPollInterval = 1 * time.Second

	// maxClaimRetries is the number of lost races ClaimNext accepts
	// before it gives up for now.
	maxClaimRetries = 10

	// reclaimBatchSize limits the number of expired leases handled in
	// one call to ReclaimExpired.
	reclaimBatchSize = 100

	leaseExpiredMessage = "lease expired"
)

func nop() {}

// Manager schedules job executing. Create a new manager via New.
type Manager struct {
	logger    Logger
	st        Store // persistent storage
	backoff   BackoffFunc
	now       func() time.Time
	lease     time.Duration
	interval  time.Duration
	observers []Observer

	mu          sync.Mutex       // guards the following block
	handlers    map[Type]Handler // maps type to handler
	concurrency int              // number of parallel workers
	working     int              // number of busy workers
	started     bool
	workers     []*worker
	stopSched   chan struct{} // stop signal for scheduler
	workersWg   sync.WaitGroup
	jobc        chan *Job
	ctx         context.Context // passed to handlers of background workers
	cancel      context.CancelFunc

	testManagerStarted   func() // testing hook
	testManagerStopped   func() // testing hook
	testSchedulerStarted func() // testing hook
	testSchedulerStopped func() // testing hook
	testJobAdded         func() // testing hook
	testJobScheduled     func() // testing hook
	testJobStarted       func() // testing hook
	testJobRetry         func() // testing hook
	testJobFailed        func() // testing hook
	testJobSucceeded     func() // testing hook
}

// New creates a new manager. Pass options to Manager to configure it.
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:               stdLogger{},
		st:                   NewInMemoryStore(),
		backoff:              noBackoff,
		now:                  time.Now,
		lease:                defaultLease,
		interval:             defaultPollInterval,
		handlers:             make(map[Type]Handler),
		concurrency:          defaultConcurrency,
		testManagerStarted:   nop,
		testManagerStopped:   nop,
		testSchedulerStarted: nop,
		testSchedulerStopped: nop,
		testJobAdded:         nop,
		testJobScheduled:     nop,
		testJobStarted:       nop,
		testJobRetry:         nop,
		testJobFailed:        nop,
		testJobSucceeded:     nop,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// SetStore specifies the backing Store implementation for the manager.
func SetStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.st = store
	}
}

// SetBackoffFunc specifies the backoff function that returns the time span
// between retries of failed jobs. By default, failed jobs are eligible
// again immediately.
func SetBackoffFunc(fn BackoffFunc) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.backoff = fn
		} else {
			m.backoff = noBackoff
		}
	}
}

// SetConcurrency sets the maximum number of workers that will be run at
// the same time when the manager is started. Concurrency must be greater
// or equal to 1 and is 5 by default.
func SetConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.concurrency = n
	}
}

// SetLease specifies how long a claimed job may be processed before it
// is considered abandoned. The default is 5 minutes.
func SetLease(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.lease = d
		}
	}
}

// SetPollInterval specifies how often the scheduler looks for new jobs
// and expired leases. The default is 1 second.
func SetPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// SetClock replaces time.Now, e.g. in tests.
func SetClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// SetObservers registers observers for job lifecycle events.
func SetObservers(observers ...Observer) ManagerOption {
	return func(m *Manager) {
		m.observers = append(m.observers, observers...)
	}
}

// Register registers the handler for jobs of the given type.
func (m *Manager) Register(typ Type, h Handler) error {
	if typ == "" {
		return errors.New("jobqueue: no type specified")
	}
	if h == nil {
		return fmt.Errorf("jobqueue: no handler specified for type %s", typ)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.handlers[typ]; found {
		return fmt.Errorf("jobqueue: type %s already registered", typ)
	}
	m.handlers[typ] = h
	return nil
}

func (m *Manager) handler(typ Type) (Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, found := m.handlers[typ]
	return h, found
}

// -- Start and Stop --

// Start runs the scheduler and the workers in the background. Use Stop,
// Close, or CloseWithTimeout to stop it. Start is not required for
// ProcessOne.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("jobqueue: manager already started")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	// Initialize Store
	err := m.st.Start(m.ctx)
	if err != nil {
		m.cancel()
		return err
	}

	m.jobc = make(chan *Job, m.concurrency)
	m.workers = make([]*worker, m.concurrency)
	for i := 0; i < m.concurrency; i++ {
		m.workersWg.Add(1)
		m.workers[i] = newWorker(m, m.jobc)
	}

	m.stopSched = make(chan struct{})
	go m.schedule()

	m.started = true

	m.testManagerStarted() // testing hook

	return nil
}

// Stop stops the manager. It waits for working jobs to finish.
func (m *Manager) Stop() error {
	return m.Close()
}

// Close is an alias to Stop. It stops the manager and waits for working
// jobs to finish.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the manager. It waits for the specified timeout,
// then cancels the context of the jobs still working and returns. If the
// timeout is negative, the manager waits forever for all working jobs to end.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	// Stop picking up new jobs
	m.stopSched <- struct{}{}
	<-m.stopSched
	close(m.stopSched)
	close(m.jobc)

	var err error
	if timeout < 0 {
		m.workersWg.Wait()
	} else {
		complete := make(chan struct{})
		go func() {
			m.workersWg.Wait()
			close(complete)
		}()
		select {
		case <-complete: // Completed in time
		case <-time.After(timeout):
			err = errors.New("jobqueue: close timed out")
		}
	}
	m.cancel()

	m.testManagerStopped() // testing hook
	return err
}

// -- Add --

// AddOption configures a job passed to Add.
type AddOption func(*addOptions)

type addOptions struct {
	priority     int
	maxAttempts  int
	scheduledFor *time.Time
}

// WithPriority sets the priority of the job. Higher priorities run first.
func WithPriority(priority int) AddOption {
	return func(o *addOptions) {
		o.priority = priority
	}
}

// WithMaxAttempts sets the number of attempts before the job fails.
// It must be at least 1.
func WithMaxAttempts(n int) AddOption {
	return func(o *addOptions) {
		o.maxAttempts = n
	}
}

// WithScheduledFor delays the job until t. A zero t means "now".
func WithScheduledFor(t time.Time) AddOption {
	return func(o *addOptions) {
		if t.IsZero() {
			o.scheduledFor = nil
		} else {
			o.scheduledFor = &t
		}
	}
}

// Add creates a new pending job for the tenant. If Add returns without
// error, the caller can be sure the job is stored in the backing store.
//
// The payload is encoded as JSON. It may be nil, a json.RawMessage, or any
// value that encoding/json can marshal. The type does not need to be
// registered: jobs without handler fail when they are processed.
func (m *Manager) Add(ctx context.Context, tenant string, typ Type, payload interface{}, opts ...AddOption) (*Job, error) {
	if strings.TrimSpace(tenant) == "" {
		return nil, invalidArgument("no tenant specified")
	}
	if strings.TrimSpace(string(typ)) == "" {
		return nil, invalidArgument("no type specified")
	}
	o := addOptions{maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		return nil, invalidArgument("max attempts must be at least 1, have %d", o.maxAttempts)
	}
	raw, err := encodeJSON(payload)
	if err != nil {
		return nil, invalidArgument("payload: %v", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("jobqueue: generate job id: %w", err)
	}

	job := &Job{
		ID:           id.String(),
		Tenant:       tenant,
		Type:         typ,
		Status:       Pending,
		Priority:     o.priority,
		Payload:      raw,
		MaxAttempts:  o.maxAttempts,
		ScheduledFor: o.scheduledFor,
		CreatedAt:    m.now(),
	}
	if err := m.st.Create(ctx, job); err != nil {
		return nil, err
	}
	m.testJobAdded() // testing hook
	m.notify(ctx, Event{Kind: EventAdded, Job: job})
	return job, nil
}

func encodeJSON(v interface{}) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON")
		}
		return cloneRaw(v), nil
	}
	return json.Marshal(v)
}

// -- State transitions --

// Next returns the job that would be processed next, without claiming
// it. It returns nil if no job is eligible.
//
// Notice that another caller may claim the job before you do. Use
// ClaimNext to select and claim in one step.
func (m *Manager) Next(ctx context.Context) (*Job, error) {
	return m.st.Next(ctx, m.now())
}

// StartProcessing claims the pending job with the given identifier. If
// somebody else claimed or modified the job in the meantime, ErrConflict
// is returned.
func (m *Manager) StartProcessing(ctx context.Context, id string) (*Job, error) {
	job, err := m.st.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.claim(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNext selects the next eligible job and claims it. It returns nil
// if there is nothing to do.
func (m *Manager) ClaimNext(ctx context.Context) (*Job, error) {
	for i := 0; i < maxClaimRetries; i++ {
		job, err := m.st.Next(ctx, m.now())
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, nil
		}
		err = m.claim(ctx, job)
		if err == nil {
			return job, nil
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			// Somebody else was faster
			continue
		}
		return nil, err
	}
	m.logger.Printf("jobqueue: giving up claiming a job after %d conflicts", maxClaimRetries)
	return nil, nil
}

func (m *Manager) claim(ctx context.Context, job *Job) error {
	switch {
	case job.Status.Finished():
		return ErrFinished
	case job.Status != Pending:
		return ErrConflict
	}
	now := m.now()
	expires := now.Add(m.lease)
	job.Status = Processing
	job.ProcessedAt = &now
	job.LeaseExpiresAt = &expires
	if err := m.st.Update(ctx, job); err != nil {
		return err
	}
	m.notify(ctx, Event{Kind: EventClaimed, Job: job})
	return nil
}

// Complete marks the job as completed and stores its result. Only jobs
// in the Processing state can be completed.
func (m *Manager) Complete(ctx context.Context, id string, result interface{}) (*Job, error) {
	raw, err := encodeResult(result)
	if err != nil {
		return nil, invalidArgument("result: %v", err)
	}
	job, err := m.st.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.complete(ctx, job, raw); err != nil {
		return nil, err
	}
	return job, nil
}

func encodeResult(v interface{}) (json.RawMessage, error) {
	raw, err := encodeJSON(v)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return raw, nil
}

func (m *Manager) complete(ctx context.Context, job *Job, result json.RawMessage) error {
	if err := requireProcessing(job); err != nil {
		return err
	}
	now := m.now()
	job.Status = Completed
	job.Result = result
	job.Error = ""
	job.CompletedAt = &now
	job.LeaseExpiresAt = nil
	return m.st.Update(ctx, job)
}

// Fail records a failed attempt of the job. If the job has attempts
// left, it is put back into the Pending state. Otherwise it is marked as
// failed permanently.
func (m *Manager) Fail(ctx context.Context, id string, msg string) (*Job, error) {
	job, err := m.st.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.fail(ctx, job, msg, false); err != nil {
		return nil, err
	}
	return job, nil
}

// fail records a failed attempt. If permanent is true, the job fails
// regardless of the attempts left.
func (m *Manager) fail(ctx context.Context, job *Job, msg string, permanent bool) error {
	if err := requireProcessing(job); err != nil {
		return err
	}
	if job.Attempts < job.MaxAttempts {
		job.Attempts++
	}
	job.Error = msg
	job.Result = nil
	job.LeaseExpiresAt = nil
	if !permanent && job.Attempts < job.MaxAttempts {
		job.Status = Pending
		job.ProcessedAt = nil
		if d := m.backoff(job.Attempts); d > 0 {
			at := m.now().Add(d)
			job.ScheduledFor = &at
		}
	} else {
		job.Status = Failed
	}
	return m.st.Update(ctx, job)
}

func requireProcessing(job *Job) error {
	switch {
	case job.Status.Finished():
		return ErrFinished
	case job.Status != Processing:
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, job.ID, job.Status)
	}
	return nil
}

// -- Processing --

// ProcessOne claims the next eligible job and executes its handler. It
// processes at most one job and returns it in its new state, or nil if
// no job was eligible.
//
// Handler errors never escape ProcessOne: they are recorded on the job.
// Errors of the store are returned to the caller.
func (m *Manager) ProcessOne(ctx context.Context) (*Job, error) {
	job, err := m.ClaimNext(ctx)
	if err != nil || job == nil {
		return nil, err
	}
	if err := m.execute(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// execute runs the handler of a claimed job and records the outcome.
func (m *Manager) execute(ctx context.Context, job *Job) error {
	m.testJobStarted() // testing hook

	start := time.Now()
	result, herr := m.run(ctx, job)
	elapsed := time.Since(start)

	if herr == nil {
		err := m.complete(ctx, job, result)
		if err != nil {
			return err
		}
		m.testJobSucceeded() // testing hook
		m.notify(ctx, Event{Kind: EventCompleted, Job: job, Duration: elapsed})
		return nil
	}

	m.logger.Printf("jobqueue: job %v failed with: %v", job.ID, herr)
	if err := m.fail(ctx, job, herr.Error(), herr.Permanent()); err != nil {
		return err
	}
	if job.Status == Failed {
		m.testJobFailed() // testing hook
		m.notify(ctx, Event{Kind: EventFailed, Job: job, Duration: elapsed, Err: herr})
	} else {
		m.testJobRetry() // testing hook
		m.notify(ctx, Event{Kind: EventRetried, Job: job, Duration: elapsed, Err: herr})
	}
	return nil
}

// run invokes the handler. The handler context is cancelled when the
// lease of the job runs out. Panics are turned into errors.
func (m *Manager) run(ctx context.Context, job *Job) (result json.RawMessage, herr *HandlerError) {
	h, found := m.handler(job.Type)
	if !found {
		return nil, &HandlerError{Type: job.Type, Err: ErrUnknownJobType}
	}

	hctx, cancel := context.WithTimeout(ctx, m.lease)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			result = nil
			herr = &HandlerError{Type: job.Type, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	v, err := h.Execute(hctx, job.Clone())
	if err != nil {
		return nil, &HandlerError{Type: job.Type, Err: err}
	}
	raw, err := encodeResult(v)
	if err != nil {
		return nil, &HandlerError{Type: job.Type, Err: fmt.Errorf("encode result: %w", err)}
	}
	return raw, nil
}

// ReclaimExpired returns jobs whose lease ran out to the queue. The
// expired lease counts as a failed attempt, so a job that keeps crashing
// its worker eventually fails. It returns the number of reclaimed jobs.
func (m *Manager) ReclaimExpired(ctx context.Context) (int, error) {
	rsp, err := m.st.List(ctx, &ListRequest{
		Status:             Processing,
		LeaseExpiredBefore: m.now(),
		Limit:              reclaimBatchSize,
	})
	if err != nil {
		return 0, err
	}
	var n int
	for _, job := range rsp.Jobs {
		err := m.fail(ctx, job, leaseExpiredMessage, false)
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			// Finished or reclaimed by somebody else
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		m.notify(ctx, Event{Kind: EventReclaimed, Job: job})
	}
	return n, nil
}

// -- Stats, Lookup and List --

// Stats returns the number of jobs per state. The counts are taken
// independently, so they do not form a consistent snapshot while jobs
// are being processed.
func (m *Manager) Stats(ctx context.Context, req *StatsRequest) (*Stats, error) {
	if req == nil {
		req = &StatsRequest{}
	}
	counts := make([]int, len(Statuses))
	g, gctx := errgroup.WithContext(ctx)
	for i, status := range Statuses {
		i, status := i, status
		g.Go(func() error {
			n, err := m.st.Count(gctx, &CountRequest{
				Tenant: req.Tenant,
				Type:   req.Type,
				Status: status,
			})
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Stats{
		Pending:    counts[0],
		Processing: counts[1],
		Completed:  counts[2],
		Failed:     counts[3],
	}, nil
}

// Lookup returns the job with the specified identifer.
// If no such job exists, ErrNotFound is returned.
func (m *Manager) Lookup(ctx context.Context, id string) (*Job, error) {
	return m.st.Lookup(ctx, id)
}

// List returns all jobs matching the parameters in the request.
func (m *Manager) List(ctx context.Context, request *ListRequest) (*ListResponse, error) {
	if request == nil {
		request = &ListRequest{}
	}
	return m.st.List(ctx, request)
}

func (m *Manager) notify(ctx context.Context, e Event) {
	if len(m.observers) == 0 {
		return
	}
	snapshot := e.Job
	for _, o := range m.observers {
		e.Job = snapshot.Clone()
		o.Observe(ctx, e)
	}
}

// -- Scheduler --

// schedule periodically reclaims expired leases, then picks up pending
// jobs and passes them to idle workers.
func (m *Manager) schedule() {
	m.testSchedulerStarted()       // testing hook
	defer m.testSchedulerStopped() // testing hook

	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n, err := m.ReclaimExpired(m.ctx); err != nil {
				m.logger.Printf("jobqueue: error reclaiming expired jobs: %v", err)
			} else if n > 0 {
				m.logger.Printf("jobqueue: reclaimed %d jobs with expired lease", n)
			}

			// Fill up available worker slots with jobs
			for {
				m.mu.Lock()
				concurrency := m.concurrency
				working := m.working
				m.mu.Unlock()
				if working >= concurrency {
					// All workers busy
					break
				}
				job, err := m.ClaimNext(m.ctx)
				if err != nil {
					m.logger.Printf("jobqueue: error picking next job to schedule: %v", err)
					break
				}
				if job == nil {
					break
				}
				m.mu.Lock()
				m.working++
				m.mu.Unlock()
				m.testJobScheduled() // testing hook
				m.jobc <- job
			}
		case <-m.stopSched:
			m.stopSched <- struct{}{}
			return
		}
	}
}
