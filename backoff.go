// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"math"
	"time"
)

// BackoffFunc is a callback that returns a backoff. It is configurable
// via the SetBackoffFunc option in the manager. The BackoffFunc is used to
// delay the next attempt of a failed job. attempts is the number of
// attempts made so far.
type BackoffFunc func(attempts int) time.Duration

// noBackoff is the default: failed jobs are eligible again immediately.
func noBackoff(attempts int) time.Duration {
	return 0
}

// ExponentialBackoff waits 10^attempts milliseconds, capped at one hour.
func ExponentialBackoff(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Duration(0)
	}
	ms := math.Pow(10, float64(attempts))
	if ms >= float64(time.Hour/time.Millisecond) {
		return time.Hour
	}
	return time.Duration(ms) * time.Millisecond
}
