// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue_test

import (
	"testing"

	"github.com/olivere/jobqueue"
	"github.com/olivere/jobqueue/storetest"
)

func TestInMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) jobqueue.Store {
		return jobqueue.NewInMemoryStore()
	})
}
