// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"time"
)

// EventKind describes a state transition of a job.
type EventKind string

const (
	EventAdded     EventKind = "added"
	EventClaimed   EventKind = "claimed"
	EventCompleted EventKind = "completed"
	EventRetried   EventKind = "retried"
	EventFailed    EventKind = "failed"
	EventReclaimed EventKind = "reclaimed"
)

// Event is passed to observers after a job changed its state.
type Event struct {
	Kind     EventKind
	Job      *Job          // snapshot of the job after the transition
	Duration time.Duration // handler run time for completed, retried, and failed events
	Err      error         // handler error for retried and failed events
}

// Observer is notified about job lifecycle events, e.g. to record metrics
// or publish the events to a message broker. Observe is called
// synchronously and should not block for long.
type Observer interface {
	Observe(ctx context.Context, e Event)
}

// ObserverFunc is an adapter to use ordinary functions as Observer.
type ObserverFunc func(ctx context.Context, e Event)

// Observe calls f(ctx, e).
func (f ObserverFunc) Observe(ctx context.Context, e Event) {
	f(ctx, e)
}
