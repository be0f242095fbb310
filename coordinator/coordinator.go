// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coordinator drives the two MuSig2 rounds of every signing
// session the local peer takes part in.
//
// Each session is a small state machine guarded by its own mutex:
//
//	Created -> NoncesPending -> NoncesComplete -> PartialSigsPending -> Complete
//
// with Aborted reachable from every non-terminal phase. Inbound messages and
// timeouts are discrete events applied under the session mutex, so sessions
// with different ids progress independently. The mutex is also held while
// the session's own messages are handed to the transport, so they leave in
// protocol order.
//
// The local secret nonce never leaves the session. It is consumed by the
// single partial signature computed from it, or discarded when the session
// aborts, and the nonce ledger records both so a restarted process can never
// produce a second nonce for the same session.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignerr"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/internal/deadline"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/musigcore"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/sharedwallet"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/spend"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/transport"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	lru "github.com/hashicorp/golang-lru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultSessionTimeout is the inactivity window after which a
	// session aborts.
	DefaultSessionTimeout = 2 * time.Minute

	// DefaultSweepInterval is how often Run checks for timeouts.
	DefaultSweepInterval = time.Second

	// DefaultCacheSize bounds the buffer of messages for sessions not
	// started yet and the record of finished sessions.
	DefaultCacheSize = 1024

	// maxEarlyPerSession bounds the buffered messages of one session: a
	// nonce, a partial signature and an abort per participant.
	maxEarlyPerSession = 3 * cosignwire.MaxParticipants
)

var (
	// ErrUnknownSession is returned for operations on unknown sessions.
	ErrUnknownSession = errors.New("unknown signing session")

	// ErrSessionExists is returned when starting a session twice.
	ErrSessionExists = errors.New("signing session already exists")
)

// KeyRing gives access to the local secret key share.
type KeyRing interface {
	// SigningKey returns the local secret key share for the wallet.
	SigningKey(walletID [32]byte) (*btcec.PrivateKey, error)
}

// NonceLedger persists nonce use across restarts.
type NonceLedger interface {
	// Reserve records that the session is about to generate its nonce
	// and returns the counter to mix into the derivation.
	Reserve(sessionID [32]byte, now time.Time) (uint64, error)

	// Consume records that the session's nonce is gone.
	Consume(sessionID [32]byte, now time.Time) error
}

// TxAssembler turns the final signature into a transaction.
type TxAssembler interface {
	// Assemble attaches sig to the spend.
	Assemble(d *spend.Description, sig *schnorr.Signature) (*spend.Result,
		error)
}

// Completion describes a successfully signed session.
type Completion struct {
	// Session is the final snapshot of the session.
	Session SessionInfo

	// Signature is the aggregated Schnorr signature.
	Signature *schnorr.Signature

	// Packet is the spend with the signed input finalized. It is nil if
	// assembly failed.
	Packet *psbt.Packet

	// Tx is the extracted transaction, nil while other inputs of the
	// packet are unsigned or if assembly failed.
	Tx *wire.MsgTx

	// AssemblyErr is the transaction assembly error, if any.
	AssemblyErr error
}

// EventSink receives session outcomes.
type EventSink interface {
	// SessionCompleted is called once per completed session.
	SessionCompleted(c *Completion)

	// SessionAborted is called once per aborted session with a
	// cosignerr.Error describing why.
	SessionAborted(info SessionInfo, err error)

	// PeerUnreachable is called when a session message could not be
	// delivered. The session keeps waiting for its timeout.
	PeerUnreachable(id cosignwire.RequestID, peer cosignwire.PeerID,
		err error)
}

// Config holds the coordinator's collaborators and parameters.
type Config struct {
	// Self is the local peer id.
	Self cosignwire.PeerID

	// Transport sends messages.
	Transport transport.Adapter

	// Keys holds the local secret key share.
	Keys KeyRing

	// Ledger persists nonce use.
	Ledger NonceLedger

	// Assembler builds the final transaction.
	Assembler TxAssembler

	// Sink receives session outcomes.
	Sink EventSink

	// SessionTimeout is the inactivity window.
	SessionTimeout time.Duration

	// CacheSize bounds the early message buffer.
	CacheSize int

	// Clock is the time source.
	Clock clock.Clock

	// Ticker drives Run.
	Ticker ticker.Ticker

	// NonceRand overrides the randomness used for nonces. Tests only.
	NonceRand io.Reader
}

// earlyMsg is a message for a session not started yet.
type earlyMsg struct {
	from cosignwire.PeerID
	msg  cosignwire.Message
}

// effects are the outcomes of a transition, reported once the session
// mutex is released.
type effects struct {
	unreachable map[cosignwire.PeerID]error
	completed   *Completion
	aborted     *SessionInfo
	abortErr    error
}

// Coordinator owns every signing session of the local peer.
type Coordinator struct {
	cfg Config

	mu       sync.Mutex
	sessions map[cosignwire.RequestID]*session

	early    *lru.Cache
	finished *lru.Cache

	deadlines *deadline.Scheduler[cosignwire.RequestID]
}

// New creates a coordinator. Zero config values take their defaults.
func New(cfg Config) (*Coordinator, error) {
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
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

	return &Coordinator{
		cfg:       cfg,
		sessions:  make(map[cosignwire.RequestID]*session),
		early:     early,
		finished:  finished,
		deadlines: deadline.New[cosignwire.RequestID](),
	}, nil
}

// StartSession creates the session of an accepted request, generates the
// local nonce and sends its public half to every other participant.
// Messages that arrived before the session are applied before any other
// message can reach it.
func (c *Coordinator) StartSession(ctx context.Context,
	id cosignwire.RequestID, w *sharedwallet.Wallet,
	s *spend.Description) error {

	if c.finished.Contains(id) {
		return fmt.Errorf("%w: %v", ErrSessionExists, id)
	}

	msg, err := s.SigHash()
	if err != nil {
		return err
	}

	key, err := c.cfg.Keys.SigningKey(w.ID)
	if err != nil {
		return cosignerr.New(
			cosignerr.ErrInvalidWallet, "", "no local key share", err,
		)
	}

	share, ok := w.KeyOf(c.cfg.Self)
	if !ok || !share.IsEqual(key.PubKey()) {
		return cosignerr.New(
			cosignerr.ErrInvalidWallet, "",
			"local key share is not part of the wallet", nil,
		)
	}

	now := c.cfg.Clock.Now()
	sess := newSession(id, w, s, msg, key, now)

	sess.mu.Lock()

	c.mu.Lock()
	if _, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		sess.mu.Unlock()

		return fmt.Errorf("%w: %v", ErrSessionExists, id)
	}
	c.sessions[id] = sess
	early := c.takeEarlyLocked(id)
	c.mu.Unlock()

	fx := &effects{}
	err = c.generateNonceLocked(ctx, sess, fx)
	if err == nil {
		log.Infof("Started session %v with %d participants", id,
			w.Quorum())

		c.replayEarlyLocked(ctx, sess, early, fx)
	}
	sess.mu.Unlock()

	c.emit(sess.id, fx)

	return err
}

// generateNonceLocked reserves and creates the local nonce, sends it and
// moves to NoncesPending. The caller must hold the session mutex.
func (c *Coordinator) generateNonceLocked(ctx context.Context, sess *session,
	fx *effects) error {

	now := c.cfg.Clock.Now()

	counter, err := c.cfg.Ledger.Reserve(sess.id, now)
	if err != nil {
		abortErr := cosignerr.New(
			cosignerr.ErrNonceReuse, "", "nonce ledger refused session",
			err,
		)
		c.abortLocked(ctx, sess, abortErr, false, fx)

		return abortErr
	}

	opts := []musigcore.NonceOption{
		musigcore.WithCounter(counter),
		musigcore.WithMessage(sess.msg),
	}
	if c.cfg.NonceRand != nil {
		opts = append(opts, musigcore.WithRand(c.cfg.NonceRand))
	}

	secNonce, pubNonce, err := musigcore.GenerateNonce(
		sess.id, sess.key, opts...,
	)
	if err != nil {
		abortErr := cosignerr.New(
			cosignerr.ErrUnknown, "", "nonce generation failed", err,
		)
		c.abortLocked(ctx, sess, abortErr, true, fx)

		return abortErr
	}

	sess.secNonce = secNonce
	sess.nonces[c.cfg.Self] = pubNonce
	sess.phase = PhaseNoncesPending
	c.deadlines.Schedule(sess.id, now.Add(c.cfg.SessionTimeout))

	c.sendOthersLocked(ctx, sess, &cosignwire.NonceCommitment{
		SessionID: sess.id,
		Nonce:     pubNonce,
	}, fx)

	return nil
}

// HandleNonce applies a participant's public nonce.
func (c *Coordinator) HandleNonce(ctx context.Context,
	from cosignwire.PeerID, msg *cosignwire.NonceCommitment) error {

	sess := c.lookupOrBuffer(msg.SessionID, from, msg)
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	fx := &effects{}
	err := c.handleNonceLocked(ctx, sess, from, msg, fx)
	sess.mu.Unlock()

	c.emit(sess.id, fx)

	return err
}

// handleNonceLocked applies a nonce. The caller must hold the session
// mutex.
func (c *Coordinator) handleNonceLocked(ctx context.Context, sess *session,
	from cosignwire.PeerID, msg *cosignwire.NonceCommitment,
	fx *effects) error {

	if sess.phase.terminal() {
		return nil
	}

	if err := c.checkSender(sess, from); err != nil {
		return err
	}

	nonce, err := musigcore.ParsePublicNonce(msg.Nonce[:])
	if err != nil {
		return c.abortLocked(ctx, sess, cosignerr.New(
			cosignerr.ErrProtocolViolation, string(from),
			"malformed nonce", err,
		), true, fx)
	}

	if prev, ok := sess.nonces[from]; ok {
		if prev == nonce {
			log.Tracef("Session %v: duplicate nonce from %v",
				sess.id, from)

			return nil
		}

		return c.abortLocked(ctx, sess, cosignerr.New(
			cosignerr.ErrProtocolViolation, string(from),
			"conflicting nonce", nil,
		), true, fx)
	}

	sess.nonces[from] = nonce
	c.touchLocked(sess)

	log.Debugf("Session %v: nonce from %v (%d/%d)", sess.id, from,
		len(sess.nonces), sess.wallet.Quorum())

	if !sess.allNonces() {
		return nil
	}

	return c.signLocked(ctx, sess, fx)
}

// signLocked enters NoncesComplete, computes and sends the local partial
// signature and moves to PartialSigsPending. The caller must hold the
// session mutex.
func (c *Coordinator) signLocked(ctx context.Context, sess *session,
	fx *effects) error {

	sess.phase = PhaseNoncesComplete

	agg := sess.wallet.AggregateKey()
	partial, err := musigcore.ComputePartialSignature(
		sess.msg, agg, sess.orderedNonces(), sess.secNonce, sess.key,
	)
	c.consumeNonce(sess)
	if err != nil {
		return c.abortLocked(ctx, sess, cosignerr.New(
			cosignerr.ErrUnknown, "", "partial signing failed", err,
		), true, fx)
	}

	raw := musigcore.EncodePartialSignature(partial)
	sess.rawPartials[c.cfg.Self] = raw
	sess.partials[c.cfg.Self] = partial
	sess.verified.Add(c.cfg.Self)
	sess.phase = PhasePartialSigsPending

	log.Debugf("Session %v: all nonces received, sent partial signature",
		sess.id)

	c.sendOthersLocked(ctx, sess, &cosignwire.PartialSignature{
		SessionID: sess.id,
		Sig:       raw,
	}, fx)

	// Partials that arrived early were held unverified until now.
	for _, p := range sess.wallet.PeerIDs() {
		partial, ok := sess.partials[p]
		if !ok || sess.verified.Contains(p) {
			continue
		}

		if err := c.verifyLocked(ctx, sess, p, partial, fx); err != nil {
			return err
		}
	}

	return c.maybeCompleteLocked(ctx, sess, fx)
}

// HandlePartialSig applies a participant's partial signature.
func (c *Coordinator) HandlePartialSig(ctx context.Context,
	from cosignwire.PeerID, msg *cosignwire.PartialSignature) error {

	sess := c.lookupOrBuffer(msg.SessionID, from, msg)
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	fx := &effects{}
	err := c.handlePartialLocked(ctx, sess, from, msg, fx)
	sess.mu.Unlock()

	c.emit(sess.id, fx)

	return err
}

// handlePartialLocked applies a partial signature. The caller must hold
// the session mutex.
func (c *Coordinator) handlePartialLocked(ctx context.Context,
	sess *session, from cosignwire.PeerID,
	msg *cosignwire.PartialSignature, fx *effects) error {

	if sess.phase.terminal() {
		return nil
	}

	if err := c.checkSender(sess, from); err != nil {
		return err
	}

	if prev, ok := sess.rawPartials[from]; ok {
		if prev == msg.Sig {
			log.Tracef("Session %v: duplicate partial signature "+
				"from %v", sess.id, from)

			return nil
		}

		return c.abortLocked(ctx, sess, cosignerr.New(
			cosignerr.ErrProtocolViolation, string(from),
			"conflicting partial signature", nil,
		), true, fx)
	}

	if _, ok := sess.nonces[from]; !ok {
		return c.abortLocked(ctx, sess, cosignerr.New(
			cosignerr.ErrProtocolViolation, string(from),
			"partial signature before nonce", nil,
		), true, fx)
	}

	partial, err := musigcore.ParsePartialSignature(msg.Sig)
	if err != nil {
		return c.abortLocked(ctx, sess, cosignerr.New(
			cosignerr.ErrInvalidPartialSignature, string(from),
			"malformed partial signature", err,
		), true, fx)
	}

	sess.rawPartials[from] = msg.Sig
	sess.partials[from] = partial
	c.touchLocked(sess)

	log.Debugf("Session %v: partial signature from %v (%d/%d)", sess.id,
		from, len(sess.rawPartials), sess.wallet.Quorum())

	// Our own nonce set may still be incomplete, in which case the
	// partial is verified once we sign.
	if sess.phase != PhasePartialSigsPending {
		return nil
	}

	if err := c.verifyLocked(ctx, sess, from, partial, fx); err != nil {
		return err
	}

	return c.maybeCompleteLocked(ctx, sess, fx)
}

// verifyLocked verifies one participant's partial signature and aborts
// the session naming the participant if it fails. The caller must hold the
// session mutex.
func (c *Coordinator) verifyLocked(ctx context.Context, sess *session,
	from cosignwire.PeerID, partial *musig2.PartialSignature,
	fx *effects) error {

	key, _ := sess.wallet.KeyOf(from)
	ok := musigcore.VerifyPartialSignature(
		partial, sess.nonces[from], key, sess.wallet.AggregateKey(),
		sess.orderedNonces(), sess.msg,
	)
	if !ok {
		return c.abortLocked(ctx, sess, cosignerr.New(
			cosignerr.ErrInvalidPartialSignature, string(from),
			"partial signature does not verify", nil,
		), true, fx)
	}

	sess.verified.Add(from)

	return nil
}

// maybeCompleteLocked aggregates once every partial signature verified.
// The caller must hold the session mutex.
func (c *Coordinator) maybeCompleteLocked(ctx context.Context,
	sess *session, fx *effects) error {

	if !sess.allVerified() {
		return nil
	}

	sig, err := musigcore.AggregateSignatures(
		sess.wallet.AggregateKey(), sess.orderedNonces(), sess.msg,
		sess.orderedPartials(),
	)
	if err != nil {
		return c.abortLocked(ctx, sess, cosignerr.New(
			cosignerr.ErrUnknown, "", "aggregation failed", err,
		), true, fx)
	}

	sess.final = fn.Some(sig)
	sess.phase = PhaseComplete
	c.disposeLocked(sess)

	completion := &Completion{
		Session:   sess.info(),
		Signature: sig,
	}

	res, err := c.cfg.Assembler.Assemble(sess.spend, sig)
	if err != nil {
		log.Errorf("Session %v: unable to assemble tx: %v", sess.id, err)
		completion.AssemblyErr = err
	} else {
		completion.Packet = res.Packet
		completion.Tx = res.Tx

		log.Tracef("Session %v assembled tx %v: %v", sess.id,
			res.Tx.TxHash(), newLogClosure(func() string {
				return spew.Sdump(res.Tx)
			}))
	}
	fx.completed = completion

	log.Infof("Session %v complete", sess.id)

	return nil
}

// HandleAbort tears down the local session when a participant aborted it.
func (c *Coordinator) HandleAbort(ctx context.Context,
	from cosignwire.PeerID, msg *cosignwire.SessionAbort) error {

	sess := c.lookupOrBuffer(msg.SessionID, from, msg)
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	fx := &effects{}
	err := c.handleAbortLocked(ctx, sess, from, msg, fx)
	sess.mu.Unlock()

	c.emit(sess.id, fx)

	return err
}

// handleAbortLocked applies a remote abort. The caller must hold the
// session mutex.
func (c *Coordinator) handleAbortLocked(ctx context.Context, sess *session,
	from cosignwire.PeerID, msg *cosignwire.SessionAbort,
	fx *effects) error {

	if sess.phase.terminal() {
		return nil
	}

	if err := c.checkSender(sess, from); err != nil {
		return err
	}

	culprit := msg.Culprit
	if culprit == "" {
		culprit = from
	}

	c.abortLocked(ctx, sess, cosignerr.New(
		cosignerr.ErrorCode(msg.Reason), string(culprit),
		fmt.Sprintf("aborted by %v", from), nil,
	), false, fx)

	return nil
}

// Cancel aborts a session on behalf of the local user.
func (c *Coordinator) Cancel(ctx context.Context,
	id cosignwire.RequestID) error {

	sess := c.lookup(id)
	if sess == nil {
		return fmt.Errorf("%w: %v", ErrUnknownSession, id)
	}

	sess.mu.Lock()
	fx := &effects{}
	if !sess.phase.terminal() {
		c.abortLocked(ctx, sess, cosignerr.New(
			cosignerr.ErrSessionCancelled, "", "cancelled locally",
			nil,
		), true, fx)
	}
	sess.mu.Unlock()

	c.emit(id, fx)

	return nil
}

// Sweep aborts every session whose inactivity window passed.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) int {
	var n int
	for _, id := range c.deadlines.Expired(now) {
		sess := c.lookup(id)
		if sess == nil {
			continue
		}

		sess.mu.Lock()
		fx := &effects{}
		if !sess.phase.terminal() {
			c.abortLocked(ctx, sess, cosignerr.New(
				cosignerr.ErrSessionTimeout, "",
				fmt.Sprintf("no activity in phase %v", sess.phase),
				nil,
			), true, fx)
			n++
		}
		sess.mu.Unlock()

		c.emit(id, fx)
	}

	return n
}

// Run checks for timeouts on every tick until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	c.cfg.Ticker.Resume()
	defer c.cfg.Ticker.Stop()

	for {
		select {
		case <-c.cfg.Ticker.Ticks():
			c.Sweep(ctx, c.cfg.Clock.Now())

		case <-ctx.Done():
			return
		}
	}
}

// Sessions returns a snapshot of every live session, oldest first.
func (c *Coordinator) Sessions() []SessionInfo {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		infos = append(infos, s.info())
		s.mu.Unlock()
	}

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}

		return bytes.Compare(infos[i].ID[:], infos[j].ID[:]) < 0
	})

	return infos
}

// abortLocked moves the session to Aborted: the secret nonce is discarded
// and recorded as consumed, the timeout cancelled and, for locally detected
// failures, the other participants notified. It returns err. The caller
// must hold the session mutex.
func (c *Coordinator) abortLocked(ctx context.Context, sess *session,
	err error, notify bool, fx *effects) error {

	prev := sess.phase
	sess.phase = PhaseAborted
	c.consumeNonce(sess)
	c.disposeLocked(sess)

	log.Warnf("Session %v aborted in phase %v: %v", sess.id, prev, err)

	if notify {
		c.sendOthersLocked(ctx, sess, &cosignwire.SessionAbort{
			SessionID: sess.id,
			Reason:    uint8(cosignerr.CodeOf(err)),
			Culprit:   cosignwire.PeerID(cosignerr.PeerOf(err)),
		}, fx)
	}

	info := sess.info()
	fx.aborted = &info
	fx.abortErr = err

	return err
}

// consumeNonce discards the local secret nonce and records it in the
// ledger. The caller must hold the session mutex.
func (c *Coordinator) consumeNonce(sess *session) {
	if sess.secNonce == nil {
		return
	}

	sess.secNonce.Discard()
	sess.secNonce = nil

	err := c.cfg.Ledger.Consume(sess.id, c.cfg.Clock.Now())
	if err != nil {
		log.Errorf("Session %v: unable to record nonce use: %v",
			sess.id, err)
	}
}

// disposeLocked removes a terminal session from the table. The caller must
// hold the session mutex.
func (c *Coordinator) disposeLocked(sess *session) {
	c.deadlines.Cancel(sess.id)
	c.finished.Add(sess.id, sess.phase)

	c.mu.Lock()
	if cur, ok := c.sessions[sess.id]; ok && cur == sess {
		delete(c.sessions, sess.id)
	}
	c.mu.Unlock()
}

// touchLocked records progress and pushes the inactivity deadline out.
func (c *Coordinator) touchLocked(sess *session) {
	sess.lastActivity = c.cfg.Clock.Now()
	c.deadlines.Schedule(
		sess.id, sess.lastActivity.Add(c.cfg.SessionTimeout),
	)
}

// checkSender rejects messages from outside the session. They do not
// abort the session, so outsiders cannot tear sessions down.
func (c *Coordinator) checkSender(sess *session,
	from cosignwire.PeerID) error {

	if from == c.cfg.Self || !sess.wallet.Contains(from) {
		return cosignerr.New(
			cosignerr.ErrProtocolViolation, string(from),
			"sender is not a session participant", nil,
		)
	}

	return nil
}

// sendOthersLocked sends msg to every other participant, recording
// delivery failures. The caller must hold the session mutex.
func (c *Coordinator) sendOthersLocked(ctx context.Context, sess *session,
	msg cosignwire.Message, fx *effects) {

	for _, p := range sess.wallet.Others(c.cfg.Self) {
		err := c.cfg.Transport.Send(ctx, p, msg)
		if err == nil {
			continue
		}

		log.Warnf("Session %v: unable to send %v to %v: %v", sess.id,
			msg.MsgType(), p, err)

		if fx.unreachable == nil {
			fx.unreachable = make(map[cosignwire.PeerID]error)
		}
		fx.unreachable[p] = err
	}
}

// emit reports the effects of a transition.
func (c *Coordinator) emit(id cosignwire.RequestID, fx *effects) {
	for p, err := range fx.unreachable {
		c.cfg.Sink.PeerUnreachable(id, p, err)
	}

	if fx.completed != nil {
		c.cfg.Sink.SessionCompleted(fx.completed)
	}

	if fx.aborted != nil {
		c.cfg.Sink.SessionAborted(*fx.aborted, fx.abortErr)
	}
}

// lookup returns the live session with the given id.
func (c *Coordinator) lookup(id cosignwire.RequestID) *session {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sessions[id]
}

// lookupOrBuffer returns the live session with the given id. Messages for
// sessions not started yet are buffered and nil is returned; messages for
// finished sessions are dropped. Only the first message of each variant
// per sender is buffered, so no sender can crowd out the others.
func (c *Coordinator) lookupOrBuffer(id cosignwire.RequestID,
	from cosignwire.PeerID, msg cosignwire.Message) *session {

	c.mu.Lock()
	defer c.mu.Unlock()

	if sess, ok := c.sessions[id]; ok {
		return sess
	}

	if c.finished.Contains(id) {
		log.Tracef("Dropping %v for finished session %v from %v",
			msg.MsgType(), id, from)

		return nil
	}

	var buffered []earlyMsg
	if v, ok := c.early.Get(id); ok {
		buffered = v.([]earlyMsg)
	}

	for _, e := range buffered {
		if e.from == from && e.msg.MsgType() == msg.MsgType() {
			log.Debugf("Dropping repeated early %v for session %v "+
				"from %v", msg.MsgType(), id, from)

			return nil
		}
	}

	if len(buffered) >= maxEarlyPerSession {
		log.Debugf("Early buffer of session %v full, dropping %v from "+
			"%v", id, msg.MsgType(), from)

		return nil
	}

	c.early.Add(id, append(buffered, earlyMsg{from: from, msg: msg}))

	log.Debugf("Buffered early %v for session %v from %v",
		msg.MsgType(), id, from)

	return nil
}

// takeEarlyLocked removes and returns the messages buffered for id. The
// caller must hold the coordinator mutex.
func (c *Coordinator) takeEarlyLocked(id cosignwire.RequestID) []earlyMsg {
	v, ok := c.early.Get(id)
	if !ok {
		return nil
	}
	c.early.Remove(id)

	return v.([]earlyMsg)
}

// replayEarlyLocked applies the messages buffered before the session
// started. The caller must hold the session mutex.
func (c *Coordinator) replayEarlyLocked(ctx context.Context, sess *session,
	early []earlyMsg, fx *effects) {

	for _, e := range early {
		if sess.phase.terminal() {
			return
		}

		var err error
		switch m := e.msg.(type) {
		case *cosignwire.NonceCommitment:
			err = c.handleNonceLocked(ctx, sess, e.from, m, fx)

		case *cosignwire.PartialSignature:
			err = c.handlePartialLocked(ctx, sess, e.from, m, fx)

		case *cosignwire.SessionAbort:
			err = c.handleAbortLocked(ctx, sess, e.from, m, fx)
		}

		if err != nil {
			log.Debugf("Replayed %v for session %v from %v: %v",
				e.msg.MsgType(), sess.id, e.from, err)
		}
	}
}
