// Package jobqueue manages multi-tenant jobs on top of a persistent Store.
//
// Applications using jobqueue first create a Manager and register one
// Handler per job type. New jobs are added via Add; the manager asks the
// store to create them in the Pending state.
//
// A job is always in one of four states: Pending (waiting to be executed),
// Processing (claimed by a worker), Completed (finished successfully), and
// Failed (failed even after retrying). Completed and Failed are terminal.
//
// Jobs are selected by priority (highest first), then by age (oldest first).
// A job with a ScheduledFor time in the future is not eligible until the
// clock passes that time.
//
// Claiming a job is a single conditional update on the store: the update
// only succeeds if nobody else changed the job since it was read. Two
// managers racing for the same job will never both process it.
//
// The simplest way to run jobs is ProcessOne, which claims and executes at
// most one job and then returns. Alternatively, Start runs a scheduler that
// keeps a pool of workers busy until Stop is called.
//
// Every claimed job holds a lease. If a worker crashes, ReclaimExpired (run
// periodically by the scheduler) treats the expired lease as a failed
// attempt, so the job is either retried or marked as failed.
//
// If a handler returns an error, the job is retried until MaxAttempts is
// reached. Jobs of a type without a registered handler fail immediately,
// because retrying them cannot succeed.
//
// There is an in-memory store for tests. Persistent stores live in the
// "mysql", "postgres", "sqlite", and "mongodb" packages.
package jobqueue
