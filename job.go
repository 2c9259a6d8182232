// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// Pending jobs wait for execution.
	Pending Status = "pending"
	// Processing is the state for currently executing jobs.
	Processing Status = "processing"
	// Completed without errors.
	Completed Status = "completed"
	// Failed even after retries.
	Failed Status = "failed"
)

// Statuses lists all states in lifecycle order.
var Statuses = []Status{Pending, Processing, Completed, Failed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Pending, Processing, Completed, Failed:
		return true
	}
	return false
}

// Finished reports whether s is a terminal state.
func (s Status) Finished() bool {
	return s == Completed || s == Failed
}

// Type selects the handler of a job.
type Type string

const (
	AIGeneration     Type = "ai_generation"
	PhotoProcessing  Type = "photo_processing"
	SocialMedia      Type = "social_media"
	RevenueAnalytics Type = "revenue_analytics"
	EmailProcessing  Type = "email_processing"
)

// Types lists the job types known to the platform.
var Types = []Type{AIGeneration, PhotoProcessing, SocialMedia, RevenueAnalytics, EmailProcessing}

const (
	// DefaultMaxAttempts is used when Add is called without WithMaxAttempts.
	DefaultMaxAttempts = 3
)

// Job is a task that needs to be executed on behalf of a tenant.
type Job struct {
	ID             string          `json:"id"`                         // internal identifier
	Tenant         string          `json:"tenant"`                     // owning tenant
	Type           Type            `json:"type"`                       // type to find the correct handler
	Status         Status          `json:"status"`                     // current state
	Priority       int             `json:"priority"`                   // jobs with higher priorities get executed earlier
	Payload        json.RawMessage `json:"payload,omitempty"`          // input passed to the handler
	Result         json.RawMessage `json:"result,omitempty"`           // output of the handler, only when completed
	Error          string          `json:"error,omitempty"`            // last failure message
	Attempts       int             `json:"attempts"`                   // number of processing attempts
	MaxAttempts    int             `json:"max_attempts"`               // attempts allowed before the job fails
	ScheduledFor   *time.Time      `json:"scheduled_for,omitempty"`    // earliest time to execute
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`     // time when the current attempt started
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`     // time when the job completed successfully
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"` // time when a claim runs out
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int64           `json:"version"` // bumped on every store update
}

// Eligible reports whether the job may be selected for processing at now.
func (j *Job) Eligible(now time.Time) bool {
	if j.Status != Pending {
		return false
	}
	return j.ScheduledFor == nil || !j.ScheduledFor.After(now)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = cloneRaw(j.Payload)
	c.Result = cloneRaw(j.Result)
	c.ScheduledFor = cloneTime(j.ScheduledFor)
	c.ProcessedAt = cloneTime(j.ProcessedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	return &c
}

func cloneRaw(m json.RawMessage) json.RawMessage {
	if m == nil {
		return nil
	}
	return append(json.RawMessage(nil), m...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Stats returns statistics about the job queue.
type Stats struct {
	Pending    int `json:"pending"`    // number of jobs waiting to be executed
	Processing int `json:"processing"` // number of jobs currently being executed
	Completed  int `json:"completed"`  // number of successfully completed jobs
	Failed     int `json:"failed"`     // number of failed jobs (even after retries)
}

// Total is the sum of all counts.
func (s *Stats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed
}
