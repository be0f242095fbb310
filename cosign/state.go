// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cosign

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrAlreadyStarted is returned when starting a manager that is not
	// stopped.
	ErrAlreadyStarted = errors.New("manager already started")

	// ErrNotStarted is returned by operations that need a running
	// manager.
	ErrNotStarted = errors.New("manager not started")
)

// lifecycle represents the lifecycle state of the manager's background
// loops.
type lifecycle uint32

const (
	// lifecycleStopped indicates the manager is stopped.
	lifecycleStopped lifecycle = iota

	// lifecycleStarting indicates the manager is starting up.
	lifecycleStarting

	// lifecycleStarted indicates the manager is started.
	lifecycleStarted

	// lifecycleStopping indicates the manager is currently stopping.
	lifecycleStopping
)

// String returns the string representation of a lifecycle.
func (l lifecycle) String() string {
	switch l {
	case lifecycleStopped:
		return "stopped"

	case lifecycleStarting:
		return "starting"

	case lifecycleStarted:
		return "started"

	case lifecycleStopping:
		return "stopping"

	default:
		return "unknown lifecycle state"
	}
}

// managerState is a thread-safe lifecycle tracker.
type managerState struct {
	lifecycle atomic.Uint32
}

// toStarting transitions from Stopped to Starting.
func (s *managerState) toStarting() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStopped), uint32(lifecycleStarting)) {

		return fmt.Errorf("%w: current state is %v",
			ErrAlreadyStarted, lifecycle(s.lifecycle.Load()))
	}

	return nil
}

// toStarted marks the manager as fully started.
func (s *managerState) toStarted() {
	s.lifecycle.Store(uint32(lifecycleStarted))
}

// toStopping transitions from Started to Stopping.
func (s *managerState) toStopping() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStarted), uint32(lifecycleStopping)) {

		return fmt.Errorf("%w: current state is %v", ErrNotStarted,
			lifecycle(s.lifecycle.Load()))
	}

	return nil
}

// toStopped marks the manager as fully stopped.
func (s *managerState) toStopped() {
	s.lifecycle.Store(uint32(lifecycleStopped))
}

// validateStarted checks if the manager is currently running.
func (s *managerState) validateStarted() error {
	state := lifecycle(s.lifecycle.Load())
	if state != lifecycleStarted {
		return fmt.Errorf("%w: current state is %v", ErrNotStarted,
			state)
	}

	return nil
}

// String returns the current lifecycle state.
func (s *managerState) String() string {
	return lifecycle(s.lifecycle.Load()).String()
}
