// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package negotiator

import (
	"fmt"
	"sort"
	"time"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/sharedwallet"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/spend"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// State is the lifecycle state of a signing request.
type State uint8

const (
	// StatePending means the request waits for responses.
	StatePending State = iota

	// StateAccepted means every participant accepted and a session was
	// started.
	StateAccepted

	// StateRejected means at least one participant rejected the request.
	StateRejected

	// StateExpired means the request timed out before full acceptance.
	StateExpired
)

// String returns a human readable state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"

	case StateAccepted:
		return "accepted"

	case StateRejected:
		return "rejected"

	case StateExpired:
		return "expired"

	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// RequestInfo is a snapshot of a request for the application.
type RequestInfo struct {
	// ID identifies the request.
	ID cosignwire.RequestID

	// WalletID is the shared wallet being spent from.
	WalletID [32]byte

	// Requester is the proposing peer.
	Requester cosignwire.PeerID

	// Outgoing is true for requests proposed locally.
	Outgoing bool

	// State is the request state.
	State State

	// Accepted lists the participants that accepted so far, the
	// requester included.
	Accepted []cosignwire.PeerID

	// Fingerprint identifies the spend.
	Fingerprint [32]byte

	// Memo is the spend memo.
	Memo string

	// CreatedAt is the requester's creation time.
	CreatedAt time.Time

	// Spend is the proposed spend.
	Spend *spend.Description
}

// request is the negotiator's record of one signing request.
type request struct {
	id        cosignwire.RequestID
	wallet    *sharedwallet.Wallet
	spend     *spend.Description
	requester cosignwire.PeerID
	outgoing  bool
	createdAt time.Time
	state     State

	// responded records whether the local participant has decided.
	responded bool

	accepts fn.Set[cosignwire.PeerID]
}

// newRequest creates a pending request. The requester's accept is implied.
func newRequest(id cosignwire.RequestID, w *sharedwallet.Wallet,
	s *spend.Description, requester cosignwire.PeerID, outgoing bool,
	createdAt time.Time) *request {

	return &request{
		id:        id,
		wallet:    w,
		spend:     s,
		requester: requester,
		outgoing:  outgoing,
		createdAt: createdAt,
		state:     StatePending,
		responded: outgoing,
		accepts:   fn.NewSet(requester),
	}
}

// fingerprintKey is the uniqueness key of outstanding requests.
type fingerprintKey struct {
	wallet      [32]byte
	fingerprint [32]byte
}

// key returns the request's uniqueness key.
func (r *request) key() fingerprintKey {
	return fingerprintKey{
		wallet:      r.wallet.ID,
		fingerprint: r.spend.Fingerprint(),
	}
}

// quorum returns whether every participant has accepted.
func (r *request) quorum() bool {
	for _, p := range r.wallet.PeerIDs() {
		if !r.accepts.Contains(p) {
			return false
		}
	}

	return true
}

// info returns a snapshot of the request.
func (r *request) info() RequestInfo {
	accepted := r.accepts.ToSlice()
	sort.Slice(accepted, func(i, j int) bool {
		return accepted[i] < accepted[j]
	})

	return RequestInfo{
		ID:          r.id,
		WalletID:    r.wallet.ID,
		Requester:   r.requester,
		Outgoing:    r.outgoing,
		State:       r.state,
		Accepted:    accepted,
		Fingerprint: r.spend.Fingerprint(),
		Memo:        r.spend.Memo,
		CreatedAt:   r.createdAt,
		Spend:       r.spend,
	}
}
