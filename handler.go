// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import "context"

// Handler is responsible to execute jobs of a certain type.
//
// The returned value is stored as the job result. It must be serializable
// to JSON. A returned error makes the job retry or fail.
type Handler interface {
	Execute(ctx context.Context, job *Job) (interface{}, error)
}

// HandlerFunc is an adapter to use ordinary functions as Handler.
type HandlerFunc func(ctx context.Context, job *Job) (interface{}, error)

// Execute calls f(ctx, job).
func (f HandlerFunc) Execute(ctx context.Context, job *Job) (interface{}, error) {
	return f(ctx, job)
}
