// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/olivere/jobqueue"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxRequestBody   = 1 << 20

	testTenant = "test"
)

// Envelope is the response wrapper of all API endpoints.
type Envelope struct {
	Data  interface{} `json:"data,omitempty"`
	Error *APIError   `json:"error,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// FieldError is a validation failure of a single request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	Tenant       string          `json:"tenant" validate:"required,max=255"`
	Type         jobqueue.Type   `json:"type" validate:"required,max=64"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority" validate:"min=-1000,max=1000"`
	MaxAttempts  int             `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=100"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
}

// TestJobRequest is the optional body of POST /v1/jobs/test.
type TestJobRequest struct {
	Tenant string        `json:"tenant" validate:"omitempty,max=255"`
	Type   jobqueue.Type `json:"type" validate:"omitempty,max=64"`
}

// ProcessResponse is the outcome of POST /v1/process. Stats are taken
// before the job is processed. Job is nil if no job was eligible.
type ProcessResponse struct {
	Stats *jobqueue.Stats `json:"stats"`
	Job   *jobqueue.Job   `json:"job"`
}

func (srv *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeJSON(r, &req, false); err != nil {
		srv.writeError(w, err)
		return
	}
	if err := srv.validate.Struct(&req); err != nil {
		srv.writeError(w, err)
		return
	}
	opts := []jobqueue.AddOption{jobqueue.WithPriority(req.Priority)}
	if req.MaxAttempts > 0 {
		opts = append(opts, jobqueue.WithMaxAttempts(req.MaxAttempts))
	}
	if req.ScheduledFor != nil {
		opts = append(opts, jobqueue.WithScheduledFor(*req.ScheduledFor))
	}
	var payload interface{}
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	job, err := srv.m.Add(r.Context(), req.Tenant, req.Type, payload, opts...)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: job})
}

func (srv *Server) createTestJob(w http.ResponseWriter, r *http.Request) {
	var req TestJobRequest
	if err := decodeJSON(r, &req, true); err != nil {
		srv.writeError(w, err)
		return
	}
	if err := srv.validate.Struct(&req); err != nil {
		srv.writeError(w, err)
		return
	}
	if req.Tenant == "" {
		req.Tenant = testTenant
	}
	if req.Type == "" {
		req.Type = jobqueue.EmailProcessing
	}
	payload := map[string]interface{}{
		"to":      "test@example.com",
		"subject": "Test job",
		"sent_at": time.Now().UTC(),
	}
	job, err := srv.m.Add(r.Context(), req.Tenant, req.Type, payload, jobqueue.WithPriority(1))
	if err != nil {
		srv.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: job})
}

func (srv *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := srv.m.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		srv.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: job})
}

func (srv *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &jobqueue.ListRequest{
		Tenant: q.Get("tenant"),
		Type:   jobqueue.Type(q.Get("type")),
		Status: jobqueue.Status(q.Get("status")),
		Limit:  defaultListLimit,
	}
	if req.Status != "" && !req.Status.Valid() {
		srv.writeError(w, fmt.Errorf("%w: unknown status %q", jobqueue.ErrInvalidArgument, req.Status))
		return
	}
	var err error
	if req.Limit, err = intParam(q.Get("limit"), defaultListLimit, 1, maxListLimit); err != nil {
		srv.writeError(w, fmt.Errorf("%w: limit: %v", jobqueue.ErrInvalidArgument, err))
		return
	}
	if req.Offset, err = intParam(q.Get("offset"), 0, 0, -1); err != nil {
		srv.writeError(w, fmt.Errorf("%w: offset: %v", jobqueue.ErrInvalidArgument, err))
		return
	}
	rsp, err := srv.m.List(r.Context(), req)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	if rsp.Jobs == nil {
		rsp.Jobs = []*jobqueue.Job{}
	}
	writeJSON(w, http.StatusOK, Envelope{Data: rsp})
}

func (srv *Server) stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stats, err := srv.m.Stats(r.Context(), &jobqueue.StatsRequest{
		Tenant: q.Get("tenant"),
		Type:   jobqueue.Type(q.Get("type")),
	})
	if err != nil {
		srv.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: stats})
}

// process runs a single processing pass. The client sends no input, so
// any failure is reported as an internal error.
func (srv *Server) process(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.m.Stats(r.Context(), nil)
	if err != nil {
		srv.writeInternalError(w, err)
		return
	}
	job, err := srv.m.ProcessOne(r.Context())
	if err != nil {
		srv.writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: &ProcessResponse{Stats: stats, Job: job}})
}

// intParam parses s in the range [min,max]. A negative max means
// "no upper bound". An empty s yields def.
func intParam(s string, def, min, max int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("not a number")
	}
	if n < min || (max >= 0 && n > max) {
		return 0, fmt.Errorf("%d out of range", n)
	}
	return n, nil
}

// decodeJSON decodes the request body into v. If optional is true, an
// empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: malformed request body: %v", jobqueue.ErrInvalidArgument, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	status, apiErr := mapError(err)
	if status >= http.StatusInternalServerError {
		srv.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, Envelope{Error: &apiErr})
}

func (srv *Server) writeInternalError(w http.ResponseWriter, err error) {
	srv.logger.Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, Envelope{Error: &APIError{Code: "internal_error", Message: err.Error()}})
}

func mapError(err error) (int, APIError) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		apiErr := APIError{Code: "validation_error", Message: "Validation failed"}
		for _, fe := range verrs {
			apiErr.Details = append(apiErr.Details, FieldError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
			})
		}
		return http.StatusBadRequest, apiErr
	case errors.Is(err, jobqueue.ErrInvalidArgument):
		return http.StatusBadRequest, APIError{Code: "invalid_argument", Message: err.Error()}
	case errors.Is(err, jobqueue.ErrNotFound):
		return http.StatusNotFound, APIError{Code: "not_found", Message: err.Error()}
	case errors.Is(err, jobqueue.ErrConflict):
		return http.StatusConflict, APIError{Code: "conflict", Message: err.Error()}
	}
	return http.StatusInternalServerError, APIError{Code: "internal_error", Message: err.Error()}
}
