package sqlstore

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/olivere/jobqueue"
)

// columns are selected in this order by all queries.
var columns = []string{
	"id",
	"tenant",
	"job_type",
	"status",
	"priority",
	"payload",
	"result",
	"last_error",
	"attempts",
	"max_attempts",
	"scheduled_for",
	"processed_at",
	"completed_at",
	"lease_expires_at",
	"created",
	"updated",
	"version",
}

// row is the SQL representation of a job. Timestamps are stored as
// nanoseconds since the epoch, with 0 meaning "not set".
type row struct {
	ID             string         `db:"id"`
	Tenant         string         `db:"tenant"`
	Type           string         `db:"job_type"`
	Status         string         `db:"status"`
	Priority       int            `db:"priority"`
	Payload        sql.NullString `db:"payload"`
	Result         sql.NullString `db:"result"`
	Error          sql.NullString `db:"last_error"`
	Attempts       int            `db:"attempts"`
	MaxAttempts    int            `db:"max_attempts"`
	ScheduledFor   int64          `db:"scheduled_for"`
	ProcessedAt    int64          `db:"processed_at"`
	CompletedAt    int64          `db:"completed_at"`
	LeaseExpiresAt int64          `db:"lease_expires_at"`
	Created        int64          `db:"created"`
	Updated        int64          `db:"updated"`
	Version        int64          `db:"version"`
}

func newRow(job *jobqueue.Job) *row {
	return &row{
		ID:             job.ID,
		Tenant:         job.Tenant,
		Type:           string(job.Type),
		Status:         string(job.Status),
		Priority:       job.Priority,
		Payload:        nullString(string(job.Payload)),
		Result:         nullString(string(job.Result)),
		Error:          nullString(job.Error),
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

func (r *row) values() map[string]interface{} {
	return map[string]interface{}{
		"id":               r.ID,
		"tenant":           r.Tenant,
		"job_type":         r.Type,
		"status":           r.Status,
		"priority":         r.Priority,
		"payload":          r.Payload,
		"result":           r.Result,
		"last_error":       r.Error,
		"attempts":         r.Attempts,
		"max_attempts":     r.MaxAttempts,
		"scheduled_for":    r.ScheduledFor,
		"processed_at":     r.ProcessedAt,
		"completed_at":     r.CompletedAt,
		"lease_expires_at": r.LeaseExpiresAt,
		"created":          r.Created,
		"updated":          r.Updated,
		"version":          r.Version,
	}
}

func (r *row) toJob() *jobqueue.Job {
	job := &jobqueue.Job{
		ID:             r.ID,
		Tenant:         r.Tenant,
		Type:           jobqueue.Type(r.Type),
		Status:         jobqueue.Status(r.Status),
		Priority:       r.Priority,
		Error:          r.Error.String,
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		ScheduledFor:   fromNanosPtr(r.ScheduledFor),
		ProcessedAt:    fromNanosPtr(r.ProcessedAt),
		CompletedAt:    fromNanosPtr(r.CompletedAt),
		LeaseExpiresAt: fromNanosPtr(r.LeaseExpiresAt),
		CreatedAt:      fromNanos(r.Created),
		UpdatedAt:      fromNanos(r.Updated),
		Version:        r.Version,
	}
	if r.Payload.Valid {
		job.Payload = json.RawMessage(r.Payload.String)
	}
	if r.Result.Valid {
		job.Result = json.RawMessage(r.Result.String)
	}
	return job
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNanos(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNanosPtr(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := fromNanos(n)
	return &t
}
