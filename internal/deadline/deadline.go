// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package deadline keeps cancellable expiry times keyed by an id.
//
// A Scheduler only stores deadlines. The owner decides when to look at them,
// usually from a ticker loop, by calling Expired with the current time.
package deadline

import (
	"slices"
	"sync"
	"time"
)

// Scheduler tracks one deadline per id.
type Scheduler[K comparable] struct {
	mu        sync.Mutex
	deadlines map[K]time.Time
}

// New creates an empty scheduler.
func New[K comparable]() *Scheduler[K] {
	return &Scheduler[K]{
		deadlines: make(map[K]time.Time),
	}
}

// Schedule sets the deadline of id, replacing any previous one.
func (s *Scheduler[K]) Schedule(id K, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadlines[id] = at
}

// Cancel removes the deadline of id. It returns whether one existed.
func (s *Scheduler[K]) Cancel(id K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.deadlines[id]
	delete(s.deadlines, id)

	return ok
}

// Expired removes and returns every id whose deadline is not after now,
// earliest first.
func (s *Scheduler[K]) Expired(now time.Time) []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	type due struct {
		id K
		at time.Time
	}

	var expired []due
	for id, at := range s.deadlines {
		if !at.After(now) {
			expired = append(expired, due{id: id, at: at})
		}
	}

	slices.SortFunc(expired, func(a, b due) int {
		return a.at.Compare(b.at)
	})

	ids := make([]K, 0, len(expired))
	for _, d := range expired {
		delete(s.deadlines, d.id)
		ids = append(ids, d.id)
	}

	return ids
}
