// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wait provides polling helpers for asynchronous tests.
package wait

import (
	"errors"
	"time"
)

var (
	// ErrNoResponse is returned when f does not succeed within the
	// timeout.
	ErrNoResponse = errors.New("method did not return within the timeout")
)

// PollInterval is the polling interval used by NoError and Predicate.
const PollInterval = 10 * time.Millisecond

// NoError polls f until it returns nil or the timeout is reached.
//
// If the timeout is reached, the last error returned by f is returned.
//
// NOTE: NoError does not interrupt f. If f blocks, NoError may block longer
// than the provided timeout.
func NoError(f func() error, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	// Call f() immediately to avoid the initial ticker delay.
	lastErr := f()
	if lastErr == nil {
		return nil
	}

	for {
		select {
		case <-deadline.C:
			if lastErr == nil {
				return ErrNoResponse
			}

			return lastErr

		case <-ticker.C:
			lastErr = f()
			if lastErr == nil {
				return nil
			}
		}
	}
}

// Predicate polls f until it returns true or the timeout is reached.
func Predicate(f func() bool, timeout time.Duration) error {
	return NoError(func() error {
		if f() {
			return nil
		}

		return ErrNoResponse
	}, timeout)
}
