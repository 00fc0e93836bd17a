// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics provides mergeable counters for shard workers.
// Each worker accumulates metric values into its own Scope; the
// pipeline driver merges worker scopes into a single scope after all
// shards complete. Counters are declared once, usually at package
// scope:
//
//	var recordsSeen = metrics.NewCounter()
//
// Counters hold no state themselves; values live in Scopes.
package metrics

import "sync"

var (
	countersMu sync.Mutex
	// ncounters reserves index 0 to reduce the chance that a
	// zero-valued Counter is used without registration.
	ncounters = 1
)

// A Counter is a cumulative metric that can only increase.
type Counter struct {
	id int
}

// NewCounter registers and returns a new counter.
func NewCounter() Counter {
	countersMu.Lock()
	c := Counter{id: ncounters}
	ncounters++
	countersMu.Unlock()
	return c
}

// Incr increments the counter's value in the provided scope by n.
func (c Counter) Incr(scope *Scope, n int64) {
	if c.id == 0 {
		panic("metrics: use of unregistered counter")
	}
	scope.add(c.id, n)
}

// Value returns the counter's current value in the provided scope.
func (c Counter) Value(scope *Scope) int64 {
	if c.id == 0 {
		panic("metrics: use of unregistered counter")
	}
	return scope.load(c.id)
}
