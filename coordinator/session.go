// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/musigcore"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/sharedwallet"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/spend"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Phase is the state of a signing session.
type Phase uint8

const (
	// PhaseCreated is the state before the local nonce exists.
	PhaseCreated Phase = iota

	// PhaseNoncesPending waits for every participant's public nonce.
	PhaseNoncesPending

	// PhaseNoncesComplete holds every nonce; the local partial signature
	// is being computed.
	PhaseNoncesComplete

	// PhasePartialSigsPending waits for every participant's partial
	// signature.
	PhasePartialSigsPending

	// PhaseComplete means the final signature exists.
	PhaseComplete

	// PhaseAborted means the session was torn down.
	PhaseAborted
)

// String returns a human readable phase.
func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "Created"

	case PhaseNoncesPending:
		return "NoncesPending"

	case PhaseNoncesComplete:
		return "NoncesComplete"

	case PhasePartialSigsPending:
		return "PartialSigsPending"

	case PhaseComplete:
		return "Complete"

	case PhaseAborted:
		return "Aborted"

	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// terminal returns whether no further transition is possible.
func (p Phase) terminal() bool {
	return p == PhaseComplete || p == PhaseAborted
}

// SessionInfo is a snapshot of a session for the application.
type SessionInfo struct {
	// ID identifies the session. It equals the request id.
	ID cosignwire.RequestID

	// WalletID is the shared wallet signing.
	WalletID [32]byte

	// Phase is the session phase.
	Phase Phase

	// Participants lists the wallet members.
	Participants []cosignwire.PeerID

	// Nonces is the number of public nonces received, own included.
	Nonces int

	// PartialSigs is the number of partial signatures received, own
	// included.
	PartialSigs int

	// CreatedAt is when the session started locally.
	CreatedAt time.Time

	// LastActivity is when the session last made progress.
	LastActivity time.Time

	// Signature is the final signature once the session completed.
	Signature fn.Option[*schnorr.Signature]
}

// session is the coordinator's state for one signing session. All fields
// are guarded by mu.
type session struct {
	mu sync.Mutex

	id     cosignwire.RequestID
	wallet *sharedwallet.Wallet
	spend  *spend.Description
	msg    [32]byte
	key    *btcec.PrivateKey
	phase  Phase

	secNonce *musigcore.SecretNonce
	nonces   map[cosignwire.PeerID]musigcore.PublicNonce

	rawPartials map[cosignwire.PeerID][32]byte
	partials    map[cosignwire.PeerID]*musig2.PartialSignature
	verified    fn.Set[cosignwire.PeerID]

	final fn.Option[*schnorr.Signature]

	createdAt    time.Time
	lastActivity time.Time
}

// newSession creates a session in the Created phase.
func newSession(id cosignwire.RequestID, w *sharedwallet.Wallet,
	s *spend.Description, msg [32]byte, key *btcec.PrivateKey,
	now time.Time) *session {

	return &session{
		id:           id,
		wallet:       w,
		spend:        s,
		msg:          msg,
		key:          key,
		phase:        PhaseCreated,
		nonces:       make(map[cosignwire.PeerID]musigcore.PublicNonce),
		rawPartials:  make(map[cosignwire.PeerID][32]byte),
		partials:     make(map[cosignwire.PeerID]*musig2.PartialSignature),
		verified:     fn.NewSet[cosignwire.PeerID](),
		final:        fn.None[*schnorr.Signature](),
		createdAt:    now,
		lastActivity: now,
	}
}

// orderedNonces returns the public nonces in canonical participant order.
func (s *session) orderedNonces() []musigcore.PublicNonce {
	peers := s.wallet.PeerIDs()
	nonces := make([]musigcore.PublicNonce, 0, len(peers))
	for _, p := range peers {
		nonces = append(nonces, s.nonces[p])
	}

	return nonces
}

// orderedPartials returns the partial signatures in canonical participant
// order.
func (s *session) orderedPartials() []*musig2.PartialSignature {
	peers := s.wallet.PeerIDs()
	partials := make([]*musig2.PartialSignature, 0, len(peers))
	for _, p := range peers {
		partials = append(partials, s.partials[p])
	}

	return partials
}

// allNonces returns whether every participant's nonce is known.
func (s *session) allNonces() bool {
	return len(s.nonces) == s.wallet.Quorum()
}

// allVerified returns whether every participant's partial signature is
// known and verified.
func (s *session) allVerified() bool {
	return len(s.verified) == s.wallet.Quorum()
}

// info returns a snapshot of the session.
func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:           s.id,
		WalletID:     s.wallet.ID,
		Phase:        s.phase,
		Participants: s.wallet.PeerIDs(),
		Nonces:       len(s.nonces),
		PartialSigs:  len(s.rawPartials),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Signature:    s.final,
	}
}
