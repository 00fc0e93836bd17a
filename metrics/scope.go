// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import "sync"

// Scope is a collection of metric values. The zero Scope is ready
// for use. Scopes are safe for concurrent use.
type Scope struct {
	mu   sync.Mutex
	vals []int64
}

// Merge merges values from Scope u into Scope s.
func (s *Scope) Merge(u *Scope) {
	u.mu.Lock()
	uvals := append([]int64(nil), u.vals...)
	u.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range uvals {
		if v == 0 {
			continue
		}
		s.grow(id)
		s.vals[id] += v
	}
}

func (s *Scope) add(id int, n int64) {
	s.mu.Lock()
	s.grow(id)
	s.vals[id] += n
	s.mu.Unlock()
}

func (s *Scope) load(id int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= len(s.vals) {
		return 0
	}
	return s.vals[id]
}

func (s *Scope) grow(id int) {
	for len(s.vals) <= id {
		s.vals = append(s.vals, 0)
	}
}
