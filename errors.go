// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound must be returned from Store interface when a certain job
	// could not be found in the specific data store.
	ErrNotFound = errors.New("jobqueue: job not found")

	// ErrConflict must be returned from Store.Update when the job was
	// modified since it was read, i.e. the versions do not match.
	ErrConflict = errors.New("jobqueue: job was modified concurrently")

	// ErrInvalidArgument is returned by Add for malformed input.
	ErrInvalidArgument = errors.New("jobqueue: invalid argument")

	// ErrFinished is returned when trying to change a completed or failed job.
	ErrFinished = errors.New("jobqueue: job already finished")

	// ErrInvalidTransition is returned when a job is not in the state an
	// operation requires, e.g. completing a job that was never started.
	ErrInvalidTransition = errors.New("jobqueue: invalid state transition")

	// ErrUnknownJobType is wrapped by the HandlerError of jobs without a
	// registered handler.
	ErrUnknownJobType = errors.New("jobqueue: unknown job type")
)

// HandlerError is the outcome of a failed handler invocation.
type HandlerError struct {
	Type Type
	Err  error
}

func (e *HandlerError) Error() string {
	if errors.Is(e.Err, ErrUnknownJobType) {
		return fmt.Sprintf("Unknown job type: %s", e.Type)
	}
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying the job cannot succeed.
func (e *HandlerError) Permanent() bool {
	return errors.Is(e.Err, ErrUnknownJobType)
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
