// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignerr"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
	"github.com/lightningnetwork/lnd/queue"
)

// queueBufferSize is the in-channel buffer of each endpoint's delivery
// queue. The queue itself is unbounded.
const queueBufferSize = 16

var (
	// ErrPeerExists is returned when joining with a taken peer id.
	ErrPeerExists = errors.New("peer id already joined")

	// ErrHubStopped is returned after the hub was stopped.
	ErrHubStopped = errors.New("hub stopped")
)

// Interceptor may inspect, replace or drop a message in flight. Returning
// nil drops the message.
type Interceptor func(from, to cosignwire.PeerID,
	msg cosignwire.Message) cosignwire.Message

// eventKind identifies what an envelope carries.
type eventKind uint8

const (
	eventMessage eventKind = iota
	eventConnected
	eventDisconnected
)

// envelope is one queued event for an endpoint.
type envelope struct {
	kind eventKind
	from cosignwire.PeerID
	raw  []byte
}

// Hub is an in-memory overlay connecting endpoints in one process. Every
// message is serialized on send and parsed on delivery, so endpoints never
// share message values.
type Hub struct {
	mu          sync.RWMutex
	endpoints   map[cosignwire.PeerID]*Endpoint
	topics      map[string]map[cosignwire.PeerID]struct{}
	interceptor Interceptor
	stopped     bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[cosignwire.PeerID]*Endpoint),
		topics:    make(map[string]map[cosignwire.PeerID]struct{}),
	}
}

// SetInterceptor installs f on every subsequent delivery. A nil f removes
// the interceptor.
func (h *Hub) SetInterceptor(f Interceptor) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.interceptor = f
}

// Join attaches a new endpoint delivering to handler. Already joined peers
// are announced to the new endpoint and the new endpoint to them.
func (h *Hub) Join(id cosignwire.PeerID, handler Handler) (*Endpoint,
	error) {

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil, ErrHubStopped
	}

	if _, ok := h.endpoints[id]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrPeerExists, id)
	}

	e := &Endpoint{
		hub:       h,
		id:        id,
		handler:   handler,
		queue:     queue.NewConcurrentQueue(queueBufferSize),
		connected: true,
		quit:      make(chan struct{}),
	}
	e.queue.Start()

	others := h.connectedLocked()
	h.endpoints[id] = e
	h.mu.Unlock()

	e.wg.Add(1)
	go e.deliver()

	log.Debugf("Peer %v joined hub", id)

	for _, o := range others {
		o.enqueue(envelope{kind: eventConnected, from: id})
		e.enqueue(envelope{kind: eventConnected, from: o.id})
	}

	return e, nil
}

// Disconnect makes peer unreachable. Other endpoints observe
// PeerDisconnected, and sends to and from peer fail until Reconnect.
func (h *Hub) Disconnect(id cosignwire.PeerID) {
	h.setConnected(id, false)
}

// Reconnect makes a disconnected peer reachable again.
func (h *Hub) Reconnect(id cosignwire.PeerID) {
	h.setConnected(id, true)
}

// setConnected flips the connection state of id and notifies the other
// connected endpoints.
func (h *Hub) setConnected(id cosignwire.PeerID, connected bool) {
	h.mu.Lock()
	e, ok := h.endpoints[id]
	if !ok || e.connected == connected {
		h.mu.Unlock()
		return
	}
	e.connected = connected
	others := h.connectedLocked()
	h.mu.Unlock()

	kind := eventDisconnected
	if connected {
		kind = eventConnected
	}

	log.Debugf("Peer %v connected=%v", id, connected)

	for _, o := range others {
		if o.id == id {
			continue
		}
		o.enqueue(envelope{kind: kind, from: id})
	}
}

// Stop detaches every endpoint.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopped = true
	endpoints := make([]*Endpoint, 0, len(h.endpoints))
	for _, e := range h.endpoints {
		endpoints = append(endpoints, e)
	}
	h.endpoints = make(map[cosignwire.PeerID]*Endpoint)
	h.mu.Unlock()

	for _, e := range endpoints {
		e.stop()
	}
}

// connectedLocked returns every connected endpoint. The caller must hold
// the hub mutex.
func (h *Hub) connectedLocked() []*Endpoint {
	out := make([]*Endpoint, 0, len(h.endpoints))
	for _, e := range h.endpoints {
		if e.connected {
			out = append(out, e)
		}
	}

	return out
}

// route prepares msg from one endpoint for delivery to another. It returns
// nil when the interceptor dropped the message.
func (h *Hub) route(from, to cosignwire.PeerID,
	msg cosignwire.Message) (*Endpoint, []byte, error) {

	h.mu.RLock()
	src, srcOK := h.endpoints[from]
	dst, dstOK := h.endpoints[to]
	interceptor := h.interceptor
	srcUp := srcOK && src.connected
	dstUp := dstOK && dst.connected
	h.mu.RUnlock()

	if !srcUp || !dstUp {
		return nil, nil, cosignerr.New(
			cosignerr.ErrPeerUnreachable, string(to),
			"peer not reachable", nil,
		)
	}

	if interceptor != nil {
		msg = interceptor(from, to, msg)
		if msg == nil {
			log.Debugf("Interceptor dropped message %v->%v", from, to)
			return nil, nil, nil
		}
	}

	raw, err := cosignwire.Serialize(msg)
	if err != nil {
		return nil, nil, err
	}

	return dst, raw, nil
}

// subscribers returns the ids subscribed to topic.
func (h *Hub) subscribers(topic string) []cosignwire.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]cosignwire.PeerID, 0, len(h.topics[topic]))
	for id := range h.topics[topic] {
		ids = append(ids, id)
	}

	return ids
}

// subscribe adds id to topic.
func (h *Hub) subscribe(id cosignwire.PeerID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[cosignwire.PeerID]struct{})
		h.topics[topic] = subs
	}
	subs[id] = struct{}{}
}

// leave removes e from the hub.
func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	if cur, ok := h.endpoints[e.id]; ok && cur == e {
		delete(h.endpoints, e.id)
	}
	for _, subs := range h.topics {
		delete(subs, e.id)
	}
	others := h.connectedLocked()
	h.mu.Unlock()

	for _, o := range others {
		o.enqueue(envelope{kind: eventDisconnected, from: e.id})
	}
}

// Endpoint is one peer's attachment to a Hub. It implements Adapter.
type Endpoint struct {
	hub     *Hub
	id      cosignwire.PeerID
	handler Handler
	queue   *queue.ConcurrentQueue

	// connected is guarded by the hub mutex.
	connected bool

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// A compile time check to ensure Endpoint implements Adapter.
var _ Adapter = (*Endpoint)(nil)

// ID returns the endpoint's peer id.
func (e *Endpoint) ID() cosignwire.PeerID {
	return e.id
}

// Send delivers msg to peer.
func (e *Endpoint) Send(ctx context.Context, peer cosignwire.PeerID,
	msg cosignwire.Message) error {

	dst, raw, err := e.hub.route(e.id, peer, msg)
	if err != nil || dst == nil {
		return err
	}

	select {
	case dst.queue.ChanIn() <- envelope{kind: eventMessage, from: e.id,
		raw: raw}:

		return nil

	case <-dst.quit:
		return cosignerr.New(
			cosignerr.ErrPeerUnreachable, string(peer),
			"peer left", nil,
		)

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast delivers msg to every other subscriber of topic. Unreachable
// subscribers are skipped.
func (e *Endpoint) Broadcast(ctx context.Context, topic string,
	msg cosignwire.Message) error {

	for _, id := range e.hub.subscribers(topic) {
		if id == e.id {
			continue
		}

		err := e.Send(ctx, id, msg)
		switch {
		case cosignerr.IsError(err, cosignerr.ErrPeerUnreachable):
			log.Tracef("Broadcast %v skipped %v: %v", topic, id, err)

		case err != nil:
			return err
		}
	}

	return nil
}

// Subscribe adds the endpoint to topic.
func (e *Endpoint) Subscribe(topic string) {
	e.hub.subscribe(e.id, topic)
}

// Leave detaches the endpoint from the hub.
func (e *Endpoint) Leave() {
	e.hub.leave(e)
	e.stop()
}

// enqueue queues an event for delivery unless the endpoint stopped.
func (e *Endpoint) enqueue(env envelope) {
	select {
	case e.queue.ChanIn() <- env:
	case <-e.quit:
	}
}

// stop halts delivery and waits for the delivery goroutine.
func (e *Endpoint) stop() {
	e.stopOnce.Do(func() {
		close(e.quit)
		e.queue.Stop()
	})
	e.wg.Wait()
}

// deliver hands queued events to the handler in order.
func (e *Endpoint) deliver() {
	defer e.wg.Done()

	for {
		select {
		case item, ok := <-e.queue.ChanOut():
			if !ok {
				return
			}

			e.dispatch(item.(envelope))

		case <-e.quit:
			return
		}
	}
}

// dispatch hands one event to the handler.
func (e *Endpoint) dispatch(env envelope) {
	switch env.kind {
	case eventConnected:
		e.handler.PeerConnected(env.from)

	case eventDisconnected:
		e.handler.PeerDisconnected(env.from)

	case eventMessage:
		msg, err := cosignwire.Deserialize(env.raw)
		if err != nil {
			log.Warnf("Dropping malformed message from %v: %v",
				env.from, err)
			return
		}

		e.handler.MessageReceived(env.from, msg)
	}
}
