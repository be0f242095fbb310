// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package negotiator runs the accept/reject round that precedes every
// signing session.
//
// A proposal is sent to every other participant of the shared wallet. Each
// participant surfaces it to its application and sends its decision to all
// other participants, so every node observes quorum on its own. A session is
// only started once every participant accepted; a single reject ends the
// request for good.
package negotiator

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignerr"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/internal/deadline"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/sharedwallet"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/spend"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/transport"
	lru "github.com/hashicorp/golang-lru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultRequestTimeout is how long a request may wait for full
	// acceptance.
	DefaultRequestTimeout = 10 * time.Minute

	// DefaultSweepInterval is how often Run expires requests.
	DefaultSweepInterval = 5 * time.Second

	// DefaultCacheSize bounds the early response buffer and the record
	// of finished requests.
	DefaultCacheSize = 1024
)

var (
	// ErrUnknownRequest is returned for operations on unknown request
	// ids.
	ErrUnknownRequest = errors.New("unknown signing request")

	// ErrDuplicateRequest is returned when a request for the same spend
	// of the same wallet is already outstanding.
	ErrDuplicateRequest = errors.New("request for this spend already " +
		"outstanding")

	// ErrNotPending is returned when deciding on a finished request.
	ErrNotPending = errors.New("request is no longer pending")

	// ErrAlreadyResponded is returned when deciding twice.
	ErrAlreadyResponded = errors.New("already responded to request")
)

// SessionStarter starts the signing session of a fully accepted request.
type SessionStarter interface {
	// StartSession begins signing spend with w under the request id.
	StartSession(ctx context.Context, id cosignwire.RequestID,
		w *sharedwallet.Wallet, s *spend.Description) error
}

// LivenessChecker reports whether a peer is currently reachable as a
// signer.
type LivenessChecker interface {
	// IsActive returns whether peer has a live advertisement.
	IsActive(peer cosignwire.PeerID) bool
}

// Sink receives request events for the application.
type Sink interface {
	// RequestReceived is called for every valid incoming request. The
	// application answers with Respond.
	RequestReceived(info RequestInfo)

	// RequestResolved is called once a request leaves the pending state.
	// err is nil for accepted requests and a cosignerr.Error otherwise.
	RequestResolved(info RequestInfo, err error)

	// PeerUnreachable is called when a message for a request could not
	// be delivered.
	PeerUnreachable(id cosignwire.RequestID, peer cosignwire.PeerID,
		err error)
}

// Config holds the negotiator's collaborators and parameters.
type Config struct {
	// Self is the local peer id.
	Self cosignwire.PeerID

	// Wallets resolves shared wallets.
	Wallets sharedwallet.Resolver

	// Transport sends messages.
	Transport transport.Adapter

	// Liveness reports which peers are live.
	Liveness LivenessChecker

	// Starter starts sessions for accepted requests.
	Starter SessionStarter

	// Sink receives request events.
	Sink Sink

	// RequestTimeout is how long a request may stay pending.
	RequestTimeout time.Duration

	// CacheSize bounds the early response buffer.
	CacheSize int

	// Clock is the time source.
	Clock clock.Clock

	// Ticker drives Run.
	Ticker ticker.Ticker
}

// earlyResponse is a response that overtook its request.
type earlyResponse struct {
	from cosignwire.PeerID
	msg  *cosignwire.SigningResponse
}

// Negotiator owns every pending signing request of the local peer.
type Negotiator struct {
	cfg Config

	mu            sync.Mutex
	requests      map[cosignwire.RequestID]*request
	byFingerprint map[fingerprintKey]cosignwire.RequestID

	// early holds responses for requests not seen yet, finished records
	// ids of requests that left the pending state.
	early    *lru.Cache
	finished *lru.Cache

	deadlines *deadline.Scheduler[cosignwire.RequestID]
}

// New creates a negotiator. Zero config values take their defaults.
func New(cfg Config) (*Negotiator, error) {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultSweepInterval)
	}

	early, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	finished, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	return &Negotiator{
		cfg:           cfg,
		requests:      make(map[cosignwire.RequestID]*request),
		byFingerprint: make(map[fingerprintKey]cosignwire.RequestID),
		early:         early,
		finished:      finished,
		deadlines:     deadline.New[cosignwire.RequestID](),
	}, nil
}

// resolution is a request outcome to report once the mutex is released.
type resolution struct {
	info  RequestInfo
	err   error
	start *request
}

// ProposeSpend creates a signing request for s from wallet walletID and
// sends it to every other participant. It fails with ErrInvalidWallet,
// before any message is sent, when the wallet is unknown, does not contain
// the local peer or has a participant that is not live.
func (n *Negotiator) ProposeSpend(ctx context.Context, walletID [32]byte,
	s *spend.Description) (cosignwire.RequestID, error) {

	var id cosignwire.RequestID

	w, err := n.cfg.Wallets.Resolve(walletID)
	if err != nil {
		return id, cosignerr.New(
			cosignerr.ErrInvalidWallet, "", "unable to resolve wallet",
			err,
		)
	}

	if !w.Contains(n.cfg.Self) {
		return id, cosignerr.New(
			cosignerr.ErrInvalidWallet, "",
			"local peer is not a wallet participant", nil,
		)
	}

	for _, p := range w.Others(n.cfg.Self) {
		if !n.cfg.Liveness.IsActive(p) {
			return id, cosignerr.New(
				cosignerr.ErrInvalidWallet, string(p),
				"participant is not live", nil,
			)
		}
	}

	script, err := w.PkScript()
	if err != nil {
		return id, err
	}

	if err := s.Validate(script); err != nil {
		return id, fmt.Errorf("invalid spend: %w", err)
	}

	raw, err := s.Serialize()
	if err != nil {
		return id, err
	}

	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}

	now := n.cfg.Clock.Now()
	req := newRequest(id, w, s, n.cfg.Self, true, now)

	msg := &cosignwire.SigningRequest{
		RequestID:    id,
		WalletID:     w.ID,
		AggregateKey: w.AggregateKey().FinalKey,
		Requester:    n.cfg.Self,
		Targets:      w.PeerIDs(),
		Psbt:         raw,
		InputIndex:   s.InputIndex,
		CreatedAt:    now,
		Memo:         s.Memo,
	}

	n.mu.Lock()
	if _, ok := n.byFingerprint[req.key()]; ok {
		n.mu.Unlock()
		return id, ErrDuplicateRequest
	}

	n.requests[id] = req
	n.byFingerprint[req.key()] = id
	n.deadlines.Schedule(id, now.Add(n.cfg.RequestTimeout))

	failed := n.sendAll(ctx, w.Others(n.cfg.Self), msg)
	n.mu.Unlock()

	log.Infof("Proposed request %v for wallet %x to %d participants", id,
		w.ID[:8], len(w.Others(n.cfg.Self)))

	n.reportUnreachable(id, failed)

	return id, nil
}

// HandleRequest validates an incoming request and surfaces it to the
// application. A request disagreeing with the local record of the wallet
// is rejected automatically.
func (n *Negotiator) HandleRequest(ctx context.Context,
	from cosignwire.PeerID, msg *cosignwire.SigningRequest) error {

	if from != msg.Requester {
		return cosignerr.New(
			cosignerr.ErrProtocolViolation, string(from),
			"request sender is not the requester", nil,
		)
	}

	if n.finished.Contains(msg.RequestID) {
		return nil
	}

	n.mu.Lock()
	if _, ok := n.requests[msg.RequestID]; ok {
		n.mu.Unlock()

		log.Tracef("Ignoring duplicate request %v", msg.RequestID)

		return nil
	}
	n.mu.Unlock()

	req, rejectErr := n.validateRequest(from, msg)
	if rejectErr != nil {
		// A request that is not addressed to us is dropped silently.
		if !containsPeer(msg.Targets, n.cfg.Self) {
			return rejectErr
		}

		log.Warnf("Rejecting request %v from %v: %v", msg.RequestID,
			from, rejectErr)

		n.finished.Add(msg.RequestID, StateRejected)
		failed := n.sendAll(ctx, others(msg.Targets, n.cfg.Self),
			&cosignwire.SigningResponse{
				RequestID: msg.RequestID,
				Responder: n.cfg.Self,
				Accept:    false,
			},
		)
		n.reportUnreachable(msg.RequestID, failed)

		return rejectErr
	}

	n.mu.Lock()
	if _, ok := n.requests[req.id]; ok {
		n.mu.Unlock()
		return nil
	}

	n.requests[req.id] = req
	n.byFingerprint[req.key()] = req.id
	n.deadlines.Schedule(
		req.id, n.cfg.Clock.Now().Add(n.cfg.RequestTimeout),
	)

	var res *resolution
	if v, ok := n.early.Get(req.id); ok {
		n.early.Remove(req.id)

		for _, e := range v.([]earlyResponse) {
			res = n.applyResponseLocked(req, e.from, e.msg)
			if res != nil {
				break
			}
		}
	}
	info := req.info()
	n.mu.Unlock()

	log.Infof("Received request %v from %v", req.id, from)

	n.cfg.Sink.RequestReceived(info)
	n.resolve(ctx, res)

	return nil
}

// validateRequest checks an incoming request against the local wallet
// record and builds the pending request.
func (n *Negotiator) validateRequest(from cosignwire.PeerID,
	msg *cosignwire.SigningRequest) (*request, error) {

	w, err := n.cfg.Wallets.Resolve(msg.WalletID)
	if err != nil {
		return nil, cosignerr.New(
			cosignerr.ErrInvalidWallet, string(from),
			"unable to resolve wallet", err,
		)
	}

	if !w.Contains(n.cfg.Self) || !w.Contains(from) {
		return nil, cosignerr.New(
			cosignerr.ErrInvalidWallet, string(from),
			"peer is not a wallet participant", nil,
		)
	}

	if !w.AggregateKey().FinalKey.IsEqual(msg.AggregateKey) {
		return nil, cosignerr.New(
			cosignerr.ErrInvalidWallet, string(from),
			"aggregate key disagrees with local wallet", nil,
		)
	}

	if !w.SameMembers(msg.Targets) {
		return nil, cosignerr.New(
			cosignerr.ErrProtocolViolation, string(from),
			"targets differ from wallet participants", nil,
		)
	}

	s, err := spend.Parse(msg.Psbt, msg.InputIndex, msg.Memo)
	if err != nil {
		return nil, cosignerr.New(
			cosignerr.ErrProtocolViolation, string(from),
			"malformed spend", err,
		)
	}

	script, err := w.PkScript()
	if err != nil {
		return nil, err
	}

	if err := s.Validate(script); err != nil {
		return nil, cosignerr.New(
			cosignerr.ErrProtocolViolation, string(from),
			"invalid spend", err,
		)
	}

	req := newRequest(msg.RequestID, w, s, from, false, msg.CreatedAt)

	n.mu.Lock()
	defer n.mu.Unlock()

	if other, ok := n.byFingerprint[req.key()]; ok && other != req.id {
		return nil, cosignerr.New(
			cosignerr.ErrRequestRejected, string(from),
			"spend already has an outstanding request",
			ErrDuplicateRequest,
		)
	}

	return req, nil
}

// Respond records the local decision on an incoming request and sends it
// to every other participant.
func (n *Negotiator) Respond(ctx context.Context, id cosignwire.RequestID,
	accept bool) error {

	n.mu.Lock()
	req, ok := n.requests[id]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrUnknownRequest, id)
	}

	if req.state != StatePending {
		n.mu.Unlock()
		return ErrNotPending
	}

	if req.responded {
		n.mu.Unlock()
		return ErrAlreadyResponded
	}
	req.responded = true

	failed := n.sendAll(ctx, req.wallet.Others(n.cfg.Self),
		&cosignwire.SigningResponse{
			RequestID: id,
			Responder: n.cfg.Self,
			Accept:    accept,
		},
	)

	res := n.applyResponseLocked(req, n.cfg.Self,
		&cosignwire.SigningResponse{
			RequestID: id,
			Responder: n.cfg.Self,
			Accept:    accept,
		},
	)
	n.mu.Unlock()

	log.Infof("Responded to request %v: accept=%v", id, accept)

	n.reportUnreachable(id, failed)
	n.resolve(ctx, res)

	return nil
}

// HandleResponse records a participant's decision.
func (n *Negotiator) HandleResponse(ctx context.Context,
	from cosignwire.PeerID, msg *cosignwire.SigningResponse) error {

	if from != msg.Responder {
		return cosignerr.New(
			cosignerr.ErrProtocolViolation, string(from),
			"response sender is not the responder", nil,
		)
	}

	if n.finished.Contains(msg.RequestID) {
		return nil
	}

	n.mu.Lock()
	req, ok := n.requests[msg.RequestID]
	if !ok {
		var buffered []earlyResponse
		if v, ok := n.early.Get(msg.RequestID); ok {
			buffered = v.([]earlyResponse)
		}
		if len(buffered) < cosignwire.MaxParticipants {
			buffered = append(buffered, earlyResponse{from, msg})
			n.early.Add(msg.RequestID, buffered)
		}
		n.mu.Unlock()

		log.Debugf("Buffered early response for %v from %v",
			msg.RequestID, from)

		return nil
	}

	if !req.wallet.Contains(from) || from == req.requester {
		n.mu.Unlock()

		return cosignerr.New(
			cosignerr.ErrProtocolViolation, string(from),
			"response from non-responder", nil,
		)
	}

	res := n.applyResponseLocked(req, from, msg)
	n.mu.Unlock()

	n.resolve(ctx, res)

	return nil
}

// applyResponseLocked applies one decision. It returns the resolution if
// the request left the pending state. The caller must hold the mutex.
func (n *Negotiator) applyResponseLocked(req *request,
	from cosignwire.PeerID, msg *cosignwire.SigningResponse) *resolution {

	if req.state != StatePending || !req.wallet.Contains(from) ||
		from == req.requester {

		return nil
	}

	if !msg.Accept {
		log.Infof("Request %v rejected by %v", req.id, from)

		return n.finishLocked(req, StateRejected, cosignerr.New(
			cosignerr.ErrRequestRejected, string(from),
			"participant rejected request", nil,
		))
	}

	if req.accepts.Contains(from) {
		return nil
	}
	req.accepts.Add(from)

	log.Debugf("Request %v accepted by %v (%d/%d)", req.id, from,
		len(req.accepts), req.wallet.Quorum())

	if !req.quorum() {
		return nil
	}

	res := n.finishLocked(req, StateAccepted, nil)
	res.start = req

	return res
}

// finishLocked moves req to a terminal state. The caller must hold the
// mutex.
func (n *Negotiator) finishLocked(req *request, state State,
	err error) *resolution {

	req.state = state
	delete(n.requests, req.id)
	delete(n.byFingerprint, req.key())
	n.deadlines.Cancel(req.id)
	n.finished.Add(req.id, state)

	return &resolution{info: req.info(), err: err}
}

// resolve reports a resolution and starts the session of an accepted
// request.
func (n *Negotiator) resolve(ctx context.Context, res *resolution) {
	if res == nil {
		return
	}

	if res.start != nil {
		log.Infof("Request %v fully accepted, starting session",
			res.info.ID)

		err := n.cfg.Starter.StartSession(
			ctx, res.start.id, res.start.wallet, res.start.spend,
		)
		if err != nil {
			log.Errorf("Unable to start session %v: %v", res.info.ID,
				err)
		}
	}

	n.cfg.Sink.RequestResolved(res.info, res.err)
}

// HandleAbort ends a pending request a participant aborted. It returns
// whether the abort matched a pending request.
func (n *Negotiator) HandleAbort(ctx context.Context, from cosignwire.PeerID,
	msg *cosignwire.SessionAbort) bool {

	n.mu.Lock()
	req, ok := n.requests[msg.SessionID]
	if !ok || !req.wallet.Contains(from) {
		n.mu.Unlock()
		return false
	}

	code := cosignerr.ErrorCode(msg.Reason)
	state := StateRejected
	if code == cosignerr.ErrRequestTimeout {
		state = StateExpired
	}

	res := n.finishLocked(req, state, cosignerr.New(
		code, string(from), "participant aborted request", nil,
	))
	n.mu.Unlock()

	log.Infof("Request %v aborted by %v: %v", msg.SessionID, from, code)

	n.resolve(ctx, res)

	return true
}

// Sweep expires every request whose timeout passed. Locally proposed
// requests notify the other participants.
func (n *Negotiator) Sweep(ctx context.Context, now time.Time) int {
	var (
		expired int
		results []*resolution
	)

	for _, id := range n.deadlines.Expired(now) {
		n.mu.Lock()
		req, ok := n.requests[id]
		if !ok || req.state != StatePending {
			n.mu.Unlock()
			continue
		}

		var failed map[cosignwire.PeerID]error
		if req.outgoing {
			failed = n.sendAll(
				ctx, req.wallet.Others(n.cfg.Self),
				&cosignwire.SessionAbort{
					SessionID: id,
					Reason: uint8(
						cosignerr.ErrRequestTimeout,
					),
				},
			)
		}

		res := n.finishLocked(req, StateExpired, cosignerr.New(
			cosignerr.ErrRequestTimeout, "",
			"request not accepted in time", nil,
		))
		n.mu.Unlock()

		log.Infof("Request %v expired", id)

		n.reportUnreachable(id, failed)
		results = append(results, res)
		expired++
	}

	for _, res := range results {
		n.resolve(ctx, res)
	}

	return expired
}

// Run expires requests on every tick until ctx is done.
func (n *Negotiator) Run(ctx context.Context) {
	n.cfg.Ticker.Resume()
	defer n.cfg.Ticker.Stop()

	for {
		select {
		case <-n.cfg.Ticker.Ticks():
			n.Sweep(ctx, n.cfg.Clock.Now())

		case <-ctx.Done():
			return
		}
	}
}

// Pending returns every pending request, oldest first.
func (n *Negotiator) Pending() []RequestInfo {
	n.mu.Lock()
	defer n.mu.Unlock()

	infos := make([]RequestInfo, 0, len(n.requests))
	for _, req := range n.requests {
		infos = append(infos, req.info())
	}

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}

		return bytes.Compare(infos[i].ID[:], infos[j].ID[:]) < 0
	})

	return infos
}

// sendAll sends msg to every peer and returns the failures. Callers hold
// the mutex while sending request scoped messages so they leave in order.
func (n *Negotiator) sendAll(ctx context.Context, peers []cosignwire.PeerID,
	msg cosignwire.Message) map[cosignwire.PeerID]error {

	var failed map[cosignwire.PeerID]error
	for _, p := range peers {
		err := n.cfg.Transport.Send(ctx, p, msg)
		if err == nil {
			continue
		}

		log.Warnf("Unable to send %v to %v: %v", msg.MsgType(), p, err)

		if failed == nil {
			failed = make(map[cosignwire.PeerID]error)
		}
		failed[p] = err
	}

	return failed
}

// reportUnreachable forwards delivery failures to the sink.
func (n *Negotiator) reportUnreachable(id cosignwire.RequestID,
	failed map[cosignwire.PeerID]error) {

	for p, err := range failed {
		n.cfg.Sink.PeerUnreachable(id, p, err)
	}
}

// containsPeer returns whether peers contains p.
func containsPeer(peers []cosignwire.PeerID, p cosignwire.PeerID) bool {
	for _, q := range peers {
		if q == p {
			return true
		}
	}

	return false
}

// others returns peers without self.
func others(peers []cosignwire.PeerID,
	self cosignwire.PeerID) []cosignwire.PeerID {

	out := make([]cosignwire.PeerID, 0, len(peers))
	for _, p := range peers {
		if p != self {
			out = append(out, p)
		}
	}

	return out
}
