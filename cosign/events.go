// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cosign

import (
	"sync"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/coordinator"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/negotiator"
	"github.com/lightningnetwork/lnd/queue"
)

// eventQueueSize is the buffer of the event queue before it spills into
// its overflow list.
const eventQueueSize = 64

// Event is a notification for the application. It is one of
// RequestReceived, RequestResolved, SessionCompleted, SessionAborted or
// PeerUnreachable.
type Event interface {
	event()
}

// RequestReceived announces an incoming signing request. The application
// answers with Manager.Respond.
type RequestReceived struct {
	Request negotiator.RequestInfo
}

// RequestResolved announces that a request left the pending state. Err is
// nil when every participant accepted.
type RequestResolved struct {
	Request negotiator.RequestInfo
	Err     error
}

// SessionCompleted carries the final signature and assembled transaction
// of a session.
type SessionCompleted struct {
	*coordinator.Completion
}

// SessionAborted announces an aborted session and why.
type SessionAborted struct {
	Session coordinator.SessionInfo
	Err     error
}

// PeerUnreachable warns that a peer could not be reached. RequestID is
// zero for transport disconnects not tied to a request.
type PeerUnreachable struct {
	RequestID cosignwire.RequestID
	Peer      cosignwire.PeerID
	Err       error
}

func (RequestReceived) event()  {}
func (RequestResolved) event()  {}
func (SessionCompleted) event() {}
func (SessionAborted) event()   {}
func (PeerUnreachable) event()  {}

// eventSink turns component callbacks into events. It serves as both the
// negotiator's Sink and the coordinator's EventSink.
type eventSink struct {
	mu   sync.Mutex
	q    *queue.ConcurrentQueue
	quit chan struct{}
}

// A compile time check to ensure eventSink implements both sinks.
var (
	_ negotiator.Sink       = (*eventSink)(nil)
	_ coordinator.EventSink = (*eventSink)(nil)
)

// start creates and starts a fresh queue.
func (s *eventSink) start() *queue.ConcurrentQueue {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.q = queue.NewConcurrentQueue(eventQueueSize)
	s.q.Start()
	s.quit = make(chan struct{})

	return s.q
}

// stop drops every queued event and stops the queue.
func (s *eventSink) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.q == nil {
		return
	}

	close(s.quit)
	s.q.Stop()
	s.q = nil
}

// push queues ev. Events raised while stopped are dropped.
func (s *eventSink) push(ev Event) {
	s.mu.Lock()
	q, quit := s.q, s.quit
	s.mu.Unlock()

	if q == nil {
		log.Debugf("Dropping %T, manager stopped", ev)
		return
	}

	select {
	case q.ChanIn() <- ev:
	case <-quit:
	}
}

func (s *eventSink) RequestReceived(info negotiator.RequestInfo) {
	s.push(RequestReceived{Request: info})
}

func (s *eventSink) RequestResolved(info negotiator.RequestInfo, err error) {
	s.push(RequestResolved{Request: info, Err: err})
}

func (s *eventSink) SessionCompleted(c *coordinator.Completion) {
	s.push(SessionCompleted{Completion: c})
}

func (s *eventSink) SessionAborted(info coordinator.SessionInfo, err error) {
	s.push(SessionAborted{Session: info, Err: err})
}

func (s *eventSink) PeerUnreachable(id cosignwire.RequestID,
	peer cosignwire.PeerID, err error) {

	s.push(PeerUnreachable{RequestID: id, Peer: peer, Err: err})
}
