// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignerr"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/musigcore"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/sharedwallet"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/spend"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var (
	testTime = time.Unix(1_700_000_000, 0)

	testPeers = []cosignwire.PeerID{"a", "b", "c"}
)

// keyRing returns one key for every wallet.
type keyRing struct {
	key *btcec.PrivateKey
}

func (k *keyRing) SigningKey([32]byte) (*btcec.PrivateKey, error) {
	return k.key, nil
}

// memLedger is an in-memory NonceLedger.
type memLedger struct {
	mu       sync.Mutex
	counter  uint64
	reserved map[[32]byte]bool
	consumed map[[32]byte]bool
}

func newMemLedger() *memLedger {
	return &memLedger{
		reserved: make(map[[32]byte]bool),
		consumed: make(map[[32]byte]bool),
	}
}

var errReused = errors.New("reused")

func (l *memLedger) Reserve(id [32]byte, _ time.Time) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.reserved[id] {
		return 0, errReused
	}
	l.reserved[id] = true
	l.counter++

	return l.counter, nil
}

func (l *memLedger) Consume(id [32]byte, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.consumed[id] = true

	return nil
}

func (l *memLedger) isConsumed(id [32]byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.consumed[id]
}

// recordingSink stores session outcomes.
type recordingSink struct {
	mu          sync.Mutex
	completed   []*Completion
	aborted     []SessionInfo
	abortErrs   []error
	unreachable []cosignwire.PeerID
	done        chan struct{}

	// onUnreachable runs after an unreachable peer is recorded.
	onUnreachable func(p cosignwire.PeerID)
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan struct{}, 16)}
}

func (s *recordingSink) SessionCompleted(c *Completion) {
	s.mu.Lock()
	s.completed = append(s.completed, c)
	s.mu.Unlock()

	s.done <- struct{}{}
}

func (s *recordingSink) SessionAborted(info SessionInfo, err error) {
	s.mu.Lock()
	s.aborted = append(s.aborted, info)
	s.abortErrs = append(s.abortErrs, err)
	s.mu.Unlock()

	s.done <- struct{}{}
}

func (s *recordingSink) PeerUnreachable(_ cosignwire.RequestID,
	p cosignwire.PeerID, _ error) {

	s.mu.Lock()
	s.unreachable = append(s.unreachable, p)
	s.mu.Unlock()

	if s.onUnreachable != nil {
		s.onUnreachable(p)
	}
}

// waitDone waits for one terminal event.
func (s *recordingSink) waitDone(t *testing.T) {
	t.Helper()

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal session event")
	}
}

// sentMsg is one message handed to the fake transport.
type sentMsg struct {
	to  cosignwire.PeerID
	msg cosignwire.Message
}

var errPeerDown = errors.New("peer down")

// fakeTransport records sends. Sends to peers in down fail.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMsg
	down map[cosignwire.PeerID]bool
}

func (f *fakeTransport) Send(_ context.Context, p cosignwire.PeerID,
	msg cosignwire.Message) error {

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down[p] {
		return errPeerDown
	}

	f.sent = append(f.sent, sentMsg{to: p, msg: msg})

	return nil
}

func (f *fakeTransport) Broadcast(context.Context, string,
	cosignwire.Message) error {

	return nil
}

// take returns and clears the recorded sends.
func (f *fakeTransport) take() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()

	sent := f.sent
	f.sent = nil

	return sent
}

// testFixture is a three party wallet and a spend from it.
type testFixture struct {
	keys   map[cosignwire.PeerID]*btcec.PrivateKey
	wallet *sharedwallet.Wallet
	spend  *spend.Description
	msg    [32]byte
}

// newFixture creates the wallet of peers a, b and c and a spend.
func newFixture(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{keys: make(map[cosignwire.PeerID]*btcec.PrivateKey)}

	ps := make([]sharedwallet.Participant, 0, len(testPeers))
	for _, id := range testPeers {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		f.keys[id] = priv
		ps = append(ps, sharedwallet.Participant{
			PeerID: id, Key: priv.PubKey(),
		})
	}

	w, err := sharedwallet.New("test", ps)
	require.NoError(t, err)
	f.wallet = w

	script, err := w.PkScript()
	require.NoError(t, err)

	packet, err := spend.NewPacket(
		[]spend.Input{{
			OutPoint: wire.OutPoint{Hash: chainhash.Hash{7}},
			Utxo:     wire.NewTxOut(100_000, script),
		}},
		[]*wire.TxOut{wire.NewTxOut(90_000, script)},
	)
	require.NoError(t, err)
	f.spend = &spend.Description{Packet: packet}

	f.msg, err = f.spend.SigHash()
	require.NoError(t, err)

	return f
}

// testNode is one coordinator with its fakes.
type testNode struct {
	c         *Coordinator
	sink      *recordingSink
	ledger    *memLedger
	transport *fakeTransport
	clock     *clock.TestClock
}

// newNode creates the coordinator of self on a recording transport.
func newNode(t *testing.T, f *testFixture, self cosignwire.PeerID) *testNode {
	t.Helper()

	n := &testNode{
		sink:      newRecordingSink(),
		ledger:    newMemLedger(),
		transport: &fakeTransport{},
		clock:     clock.NewTestClock(testTime),
	}

	c, err := New(Config{
		Self:      self,
		Transport: n.transport,
		Keys:      &keyRing{key: f.keys[self]},
		Ledger:    n.ledger,
		Assembler: spend.NewAssembler(),
		Sink:      n.sink,
		Clock:     n.clock,
	})
	require.NoError(t, err)
	n.c = c

	return n
}

// remoteNonce generates an honest nonce for peer.
func (f *testFixture) remoteNonce(t *testing.T, id cosignwire.RequestID,
	peer cosignwire.PeerID) (*musigcore.SecretNonce, *cosignwire.NonceCommitment) {

	t.Helper()

	sec, pub, err := musigcore.GenerateNonce(id, f.keys[peer])
	require.NoError(t, err)

	return sec, &cosignwire.NonceCommitment{SessionID: id, Nonce: pub}
}

// remotePartial computes peer's honest partial signature over nonces.
func (f *testFixture) remotePartial(t *testing.T, id cosignwire.RequestID,
	peer cosignwire.PeerID, sec *musigcore.SecretNonce,
	nonces []musigcore.PublicNonce) *cosignwire.PartialSignature {

	t.Helper()

	sig, err := musigcore.ComputePartialSignature(
		f.msg, f.wallet.AggregateKey(), nonces, sec, f.keys[peer],
	)
	require.NoError(t, err)

	return &cosignwire.PartialSignature{
		SessionID: id,
		Sig:       musigcore.EncodePartialSignature(sig),
	}
}

// tampered returns a copy of msg whose scalar is off by one.
func tampered(t *testing.T,
	msg *cosignwire.PartialSignature) *cosignwire.PartialSignature {

	t.Helper()

	sig, err := musigcore.ParsePartialSignature(msg.Sig)
	require.NoError(t, err)

	var one btcec.ModNScalar
	one.SetInt(1)
	sig.S.Add(&one)

	return &cosignwire.PartialSignature{
		SessionID: msg.SessionID,
		Sig:       musigcore.EncodePartialSignature(sig),
	}
}

// sentOf returns the messages of type T in sent.
func sentOf[T cosignwire.Message](sent []sentMsg) []T {
	var out []T
	for _, s := range sent {
		if m, ok := s.msg.(T); ok {
			out = append(out, m)
		}
	}

	return out
}

// TestSingleNodeSession drives one coordinator through a full session with
// the other participants simulated honestly.
func TestSingleNodeSession(t *testing.T) {
	t.Parallel()

	// Arrange: a starts; b and c prepare nonces.
	f := newFixture(t)
	a := newNode(t, f, "a")
	ctx := context.Background()
	id := cosignwire.RequestID{1}

	require.NoError(t, a.c.StartSession(ctx, id, f.wallet, f.spend))

	sent := a.transport.take()
	commits := sentOf[*cosignwire.NonceCommitment](sent)
	require.Len(t, commits, 2)
	require.Equal(t, PhaseNoncesPending, a.c.Sessions()[0].Phase)

	secB, nonceB := f.remoteNonce(t, id, "b")
	secC, nonceC := f.remoteNonce(t, id, "c")

	// Act: Deliver b's nonce twice, then c's.
	require.NoError(t, a.c.HandleNonce(ctx, "b", nonceB))
	require.NoError(t, a.c.HandleNonce(ctx, "b", nonceB))
	require.Equal(t, 2, a.c.Sessions()[0].Nonces)
	require.NoError(t, a.c.HandleNonce(ctx, "c", nonceC))

	// Assert: a signed and sent its partial signature.
	partials := sentOf[*cosignwire.PartialSignature](a.transport.take())
	require.Len(t, partials, 2)
	require.Equal(t, PhasePartialSigsPending, a.c.Sessions()[0].Phase)
	require.True(t, a.ledger.isConsumed(id))

	nonces := []musigcore.PublicNonce{
		commits[0].Nonce, nonceB.Nonce, nonceC.Nonce,
	}
	agg := f.wallet.AggregateKey()
	for _, peer := range []cosignwire.PeerID{"b", "c"} {
		sec := secB
		if peer == "c" {
			sec = secC
		}

		sig, err := musigcore.ComputePartialSignature(
			f.msg, agg, nonces, sec, f.keys[peer],
		)
		require.NoError(t, err)

		err = a.c.HandlePartialSig(ctx, peer, &cosignwire.PartialSignature{
			SessionID: id,
			Sig:       musigcore.EncodePartialSignature(sig),
		})
		require.NoError(t, err)
	}

	a.sink.waitDone(t)
	require.Len(t, a.sink.completed, 1)
	done := a.sink.completed[0]
	require.True(t, done.Signature.Verify(f.msg[:], agg.FinalKey))
	require.NoError(t, done.AssemblyErr)
	require.NotNil(t, done.Tx)
	require.Equal(t, PhaseComplete, done.Session.Phase)
	require.True(t, done.Session.Signature.IsSome())
	require.Empty(t, a.c.Sessions())

	// Messages for the finished session are no-ops.
	require.NoError(t, a.c.HandleNonce(ctx, "b", nonceB))
	require.Empty(t, a.transport.take())
}

// TestConflictingNonceAborts verifies a second, different nonce from the
// same participant aborts the session naming it.
func TestConflictingNonceAborts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := newNode(t, f, "a")
	ctx := context.Background()
	id := cosignwire.RequestID{2}

	require.NoError(t, a.c.StartSession(ctx, id, f.wallet, f.spend))
	a.transport.take()

	_, first := f.remoteNonce(t, id, "b")
	_, second := f.remoteNonce(t, id, "b")

	require.NoError(t, a.c.HandleNonce(ctx, "b", first))

	// Act: Deliver a different nonce from b.
	err := a.c.HandleNonce(ctx, "b", second)

	// Assert: Aborted with a protocol violation naming b, peers told.
	require.True(t, cosignerr.IsError(err, cosignerr.ErrProtocolViolation))
	a.sink.waitDone(t)
	require.Len(t, a.sink.aborted, 1)
	require.Equal(t, "b", cosignerr.PeerOf(a.sink.abortErrs[0]))

	aborts := sentOf[*cosignwire.SessionAbort](a.transport.take())
	require.Len(t, aborts, 2)
	require.EqualValues(t, cosignerr.ErrProtocolViolation, aborts[0].Reason)
	require.Equal(t, cosignwire.PeerID("b"), aborts[0].Culprit)
	require.True(t, a.ledger.isConsumed(id))
	require.Empty(t, a.c.Sessions())
}

// TestOutsiderCannotAbort verifies messages from non-participants are
// refused without touching the session.
func TestOutsiderCannotAbort(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := newNode(t, f, "a")
	ctx := context.Background()
	id := cosignwire.RequestID{3}

	require.NoError(t, a.c.StartSession(ctx, id, f.wallet, f.spend))

	err := a.c.HandleNonce(ctx, "z", &cosignwire.NonceCommitment{
		SessionID: id,
	})
	require.True(t, cosignerr.IsError(err, cosignerr.ErrProtocolViolation))

	err = a.c.HandleAbort(ctx, "z", &cosignwire.SessionAbort{SessionID: id})
	require.True(t, cosignerr.IsError(err, cosignerr.ErrProtocolViolation))

	require.Len(t, a.c.Sessions(), 1)
	require.Empty(t, a.sink.aborted)
}

// TestPartialBeforeNonceAborts verifies an out-of-order partial signature
// is a protocol violation.
func TestPartialBeforeNonceAborts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := newNode(t, f, "a")
	ctx := context.Background()
	id := cosignwire.RequestID{4}

	require.NoError(t, a.c.StartSession(ctx, id, f.wallet, f.spend))

	err := a.c.HandlePartialSig(ctx, "c", &cosignwire.PartialSignature{
		SessionID: id, Sig: [32]byte{1},
	})
	require.True(t, cosignerr.IsError(err, cosignerr.ErrProtocolViolation))
	require.Equal(t, "c", cosignerr.PeerOf(err))
	a.sink.waitDone(t)
	require.Len(t, a.sink.aborted, 1)
}

// TestEarlyMessagesReplayed verifies messages that overtake the session
// start are applied once it starts.
func TestEarlyMessagesReplayed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := newNode(t, f, "a")
	ctx := context.Background()
	id := cosignwire.RequestID{5}

	_, nonceB := f.remoteNonce(t, id, "b")
	_, nonceC := f.remoteNonce(t, id, "c")

	// Act: Both nonces arrive before the session starts.
	require.NoError(t, a.c.HandleNonce(ctx, "b", nonceB))
	require.NoError(t, a.c.HandleNonce(ctx, "c", nonceC))
	require.Empty(t, a.c.Sessions())

	require.NoError(t, a.c.StartSession(ctx, id, f.wallet, f.spend))

	// Assert: The session went straight to the signing round.
	sent := a.transport.take()
	require.Len(t, sentOf[*cosignwire.NonceCommitment](sent), 2)
	require.Len(t, sentOf[*cosignwire.PartialSignature](sent), 2)
	require.Equal(t, PhasePartialSigsPending, a.c.Sessions()[0].Phase)

	err := a.c.StartSession(ctx, id, f.wallet, f.spend)
	require.ErrorIs(t, err, ErrSessionExists)
}

// TestTimeoutAndCancel verifies inactivity timeouts and local
// cancellation discard the nonce and notify the participants.
func TestTimeoutAndCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := newNode(t, f, "a")
	ctx := context.Background()

	timedOut := cosignwire.RequestID{6}
	cancelled := cosignwire.RequestID{7}

	require.NoError(t, a.c.StartSession(ctx, timedOut, f.wallet, f.spend))

	a.clock.SetTime(testTime.Add(time.Minute))
	require.NoError(t, a.c.StartSession(ctx, cancelled, f.wallet, f.spend))
	a.transport.take()

	// Act: Sweep at the first session's deadline.
	require.Equal(t, 1, a.c.Sweep(ctx, testTime.Add(DefaultSessionTimeout)))
	a.sink.waitDone(t)

	require.True(t, cosignerr.IsError(
		a.sink.abortErrs[0], cosignerr.ErrSessionTimeout,
	))
	require.True(t, a.ledger.isConsumed(timedOut))
	require.Len(t, sentOf[*cosignwire.SessionAbort](a.transport.take()), 2)

	// Act: Cancel the second one.
	require.NoError(t, a.c.Cancel(ctx, cancelled))
	a.sink.waitDone(t)

	require.True(t, cosignerr.IsError(
		a.sink.abortErrs[1], cosignerr.ErrSessionCancelled,
	))
	require.True(t, a.ledger.isConsumed(cancelled))
	require.Empty(t, a.c.Sessions())

	err := a.c.Cancel(ctx, cancelled)
	require.ErrorIs(t, err, ErrUnknownSession)

	// A finished session cannot be restarted.
	err = a.c.StartSession(ctx, cancelled, f.wallet, f.spend)
	require.ErrorIs(t, err, ErrSessionExists)
}

// TestLedgerRefusesReuse verifies a session id the ledger already saw
// never generates a nonce.
func TestLedgerRefusesReuse(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := newNode(t, f, "a")
	ctx := context.Background()
	id := cosignwire.RequestID{8}

	_, err := a.ledger.Reserve(id, testTime)
	require.NoError(t, err)

	err = a.c.StartSession(ctx, id, f.wallet, f.spend)
	require.True(t, cosignerr.IsError(err, cosignerr.ErrNonceReuse))
	require.Empty(t, sentOf[*cosignwire.NonceCommitment](
		a.transport.take(),
	))
	a.sink.waitDone(t)
	require.Len(t, a.sink.aborted, 1)
}

// TestRemoteAbort verifies a participant's abort ends the local session
// without echoing it back.
func TestRemoteAbort(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := newNode(t, f, "a")
	ctx := context.Background()
	id := cosignwire.RequestID{9}

	require.NoError(t, a.c.StartSession(ctx, id, f.wallet, f.spend))
	a.transport.take()

	err := a.c.HandleAbort(ctx, "b", &cosignwire.SessionAbort{
		SessionID: id,
		Reason:    uint8(cosignerr.ErrInvalidPartialSignature),
		Culprit:   "c",
	})
	require.NoError(t, err)
	a.sink.waitDone(t)

	require.True(t, cosignerr.IsError(
		a.sink.abortErrs[0], cosignerr.ErrInvalidPartialSignature,
	))
	require.Equal(t, "c", cosignerr.PeerOf(a.sink.abortErrs[0]))
	require.Empty(t, a.transport.take())
}

// TestPartialRedelivery verifies an identical partial signature is a no-op
// while a different one from the same participant aborts naming it.
func TestPartialRedelivery(t *testing.T) {
	t.Parallel()

	// Arrange: a reaches the signing round with honest nonces.
	f := newFixture(t)
	a := newNode(t, f, "a")
	ctx := context.Background()
	id := cosignwire.RequestID{10}

	require.NoError(t, a.c.StartSession(ctx, id, f.wallet, f.spend))
	commits := sentOf[*cosignwire.NonceCommitment](a.transport.take())
	require.Len(t, commits, 2)

	secB, nonceB := f.remoteNonce(t, id, "b")
	_, nonceC := f.remoteNonce(t, id, "c")
	require.NoError(t, a.c.HandleNonce(ctx, "b", nonceB))
	require.NoError(t, a.c.HandleNonce(ctx, "c", nonceC))
	a.transport.take()

	partialB := f.remotePartial(t, id, "b", secB, []musigcore.PublicNonce{
		commits[0].Nonce, nonceB.Nonce, nonceC.Nonce,
	})

	// Act: Deliver b's partial signature twice.
	require.NoError(t, a.c.HandlePartialSig(ctx, "b", partialB))
	require.NoError(t, a.c.HandlePartialSig(ctx, "b", partialB))

	// Assert: The session still waits for c.
	require.Len(t, a.c.Sessions(), 1)
	require.Equal(t, PhasePartialSigsPending, a.c.Sessions()[0].Phase)
	require.Empty(t, a.sink.aborted)
	require.Empty(t, a.transport.take())

	// Act: Deliver a different partial signature from b.
	err := a.c.HandlePartialSig(ctx, "b", tampered(t, partialB))

	// Assert: Aborted with a protocol violation naming b.
	require.True(t, cosignerr.IsError(err, cosignerr.ErrProtocolViolation))
	require.Equal(t, "b", cosignerr.PeerOf(err))
	a.sink.waitDone(t)
	require.Len(t, a.sink.aborted, 1)
	require.Empty(t, a.sink.completed)

	aborts := sentOf[*cosignwire.SessionAbort](a.transport.take())
	require.Len(t, aborts, 2)
	require.Equal(t, cosignwire.PeerID("b"), aborts[0].Culprit)
	require.Empty(t, a.c.Sessions())
}

// TestHeldPartialVerifiedOnSigning verifies a partial signature received
// before the local nonce set is complete is checked once a signs, and a bad
// one aborts naming its sender.
func TestHeldPartialVerifiedOnSigning(t *testing.T) {
	t.Parallel()

	// Arrange: b's nonce is in, c's is not.
	f := newFixture(t)
	a := newNode(t, f, "a")
	ctx := context.Background()
	id := cosignwire.RequestID{11}

	require.NoError(t, a.c.StartSession(ctx, id, f.wallet, f.spend))
	commits := sentOf[*cosignwire.NonceCommitment](a.transport.take())
	require.Len(t, commits, 2)

	secB, nonceB := f.remoteNonce(t, id, "b")
	_, nonceC := f.remoteNonce(t, id, "c")
	require.NoError(t, a.c.HandleNonce(ctx, "b", nonceB))

	partialB := f.remotePartial(t, id, "b", secB, []musigcore.PublicNonce{
		commits[0].Nonce, nonceB.Nonce, nonceC.Nonce,
	})

	// Act: b sends a corrupted partial signature early.
	err := a.c.HandlePartialSig(ctx, "b", tampered(t, partialB))

	// Assert: It is held without verification.
	require.NoError(t, err)
	require.Equal(t, PhaseNoncesPending, a.c.Sessions()[0].Phase)
	require.Empty(t, a.sink.aborted)

	// Act: c's nonce completes the set and a signs.
	err = a.c.HandleNonce(ctx, "c", nonceC)

	// Assert: Verification of the held partial fails and names b.
	require.True(t, cosignerr.IsError(
		err, cosignerr.ErrInvalidPartialSignature,
	))
	require.Equal(t, "b", cosignerr.PeerOf(err))
	a.sink.waitDone(t)
	require.Len(t, a.sink.aborted, 1)
	require.Empty(t, a.sink.completed)
	require.True(t, a.ledger.isConsumed(id))

	sent := a.transport.take()
	require.Len(t, sentOf[*cosignwire.PartialSignature](sent), 2)

	aborts := sentOf[*cosignwire.SessionAbort](sent)
	require.Len(t, aborts, 2)
	require.EqualValues(t, cosignerr.ErrInvalidPartialSignature,
		aborts[0].Reason)
	require.Equal(t, cosignwire.PeerID("b"), aborts[0].Culprit)
}

// TestEarlyNonceAppliedBeforeDelivery verifies a nonce buffered before the
// session started is applied before any later message of its sender, even
// one delivered while the start is still reporting its effects.
func TestEarlyNonceAppliedBeforeDelivery(t *testing.T) {
	t.Parallel()

	// Arrange: c is unreachable so starting the session reports it, and
	// b's nonce overtook the session start.
	f := newFixture(t)
	a := newNode(t, f, "a")
	a.transport.down = map[cosignwire.PeerID]bool{"c": true}
	ctx := context.Background()
	id := cosignwire.RequestID{12}

	secB, nonceB := f.remoteNonce(t, id, "b")
	secC, nonceC := f.remoteNonce(t, id, "c")
	require.NoError(t, a.c.HandleNonce(ctx, "b", nonceB))

	var (
		once     sync.Once
		nonces   []musigcore.PublicNonce
		errLateB error
	)
	a.sink.onUnreachable = func(cosignwire.PeerID) {
		once.Do(func() {
			commits := sentOf[*cosignwire.NonceCommitment](
				a.transport.take(),
			)
			require.Len(t, commits, 1)

			nonces = []musigcore.PublicNonce{
				commits[0].Nonce, nonceB.Nonce, nonceC.Nonce,
			}
			errLateB = a.c.HandlePartialSig(
				ctx, "b", f.remotePartial(t, id, "b", secB, nonces),
			)
		})
	}

	// Act: Start the session; b's partial arrives during the start.
	require.NoError(t, a.c.StartSession(ctx, id, f.wallet, f.spend))

	// Assert: b's partial was accepted and held, nobody was blamed.
	require.NoError(t, errLateB)
	require.Empty(t, a.sink.aborted)
	require.Len(t, a.c.Sessions(), 1)
	require.Equal(t, 2, a.c.Sessions()[0].Nonces)

	// Act: c's nonce and partial signature arrive.
	require.NoError(t, a.c.HandleNonce(ctx, "c", nonceC))
	require.NoError(t, a.c.HandlePartialSig(
		ctx, "c", f.remotePartial(t, id, "c", secC, nonces),
	))

	// Assert: The session completed with a valid signature.
	a.sink.waitDone(t)
	require.Empty(t, a.sink.aborted)
	require.Len(t, a.sink.completed, 1)

	sig := a.sink.completed[0].Signature
	require.True(t, sig.Verify(f.msg[:], f.wallet.AggregateKey().FinalKey))
}

// TestEarlyBufferPerSender verifies a sender repeating messages for a
// session not started yet cannot push out the participants' messages.
func TestEarlyBufferPerSender(t *testing.T) {
	t.Parallel()

	// Arrange: an outsider floods the session id before it starts.
	f := newFixture(t)
	a := newNode(t, f, "a")
	ctx := context.Background()
	id := cosignwire.RequestID{13}

	for i := 0; i < 4*maxEarlyPerSession; i++ {
		_, flood := f.remoteNonce(t, id, "b")
		require.NoError(t, a.c.HandleNonce(ctx, "z", flood))
	}

	_, nonceB := f.remoteNonce(t, id, "b")
	_, nonceC := f.remoteNonce(t, id, "c")
	require.NoError(t, a.c.HandleNonce(ctx, "b", nonceB))
	require.NoError(t, a.c.HandleNonce(ctx, "c", nonceC))

	// Act: Start the session.
	require.NoError(t, a.c.StartSession(ctx, id, f.wallet, f.spend))

	// Assert: Both participants' nonces were applied, the outsider's
	// was refused without aborting.
	sessions := a.c.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, PhasePartialSigsPending, sessions[0].Phase)
	require.Empty(t, a.sink.aborted)
	require.Len(t, sentOf[*cosignwire.PartialSignature](
		a.transport.take(),
	), 2)
}
