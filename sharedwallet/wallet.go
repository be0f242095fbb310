// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sharedwallet models a wallet jointly controlled by a fixed set of
// co-signers through an n-of-n MuSig2 aggregate key.
package sharedwallet

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/musigcore"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// walletIDTag is the tag of the hash deriving a wallet id from its key set.
var walletIDTag = []byte("cosign/wallet")

var (
	// ErrWalletNotFound is returned by a Resolver for unknown wallet ids.
	ErrWalletNotFound = errors.New("shared wallet not found")

	// ErrTooFewParticipants is returned when a wallet would have fewer
	// than two participants.
	ErrTooFewParticipants = errors.New("shared wallet needs at least " +
		"two participants")

	// ErrDuplicatePeer is returned when a peer id appears twice.
	ErrDuplicatePeer = errors.New("duplicate participant peer id")

	// ErrInvalidParticipant is returned for a participant without a peer
	// id or key.
	ErrInvalidParticipant = errors.New("invalid participant")
)

// Participant is one member of a shared wallet.
type Participant struct {
	// PeerID is the participant's network identity.
	PeerID cosignwire.PeerID

	// Key is the participant's public key share.
	Key *btcec.PublicKey
}

// Wallet is an n-of-n shared wallet. Its membership never changes once
// created.
type Wallet struct {
	// ID is the tagged hash of the canonically sorted key set.
	ID [32]byte

	// Label is an optional local name.
	Label string

	participants []Participant
	aggKey       *musigcore.AggregateKey
	peers        fn.Set[cosignwire.PeerID]
}

// New creates a shared wallet. The participants may be given in any order;
// they are stored sorted by key so every member derives the same id and
// aggregate key.
func New(label string, participants []Participant) (*Wallet, error) {
	if len(participants) < 2 {
		return nil, ErrTooFewParticipants
	}

	sorted := make([]Participant, len(participants))
	copy(sorted, participants)

	peers := fn.NewSet[cosignwire.PeerID]()
	keys := make([]*btcec.PublicKey, 0, len(sorted))
	for _, p := range sorted {
		if p.PeerID == "" || p.Key == nil {
			return nil, ErrInvalidParticipant
		}

		if peers.Contains(p.PeerID) {
			return nil, fmt.Errorf("%w: %v", ErrDuplicatePeer,
				p.PeerID)
		}
		peers.Add(p.PeerID)
		keys = append(keys, p.Key)
	}

	aggKey, err := musigcore.AggregateKeys(keys)
	if err != nil {
		return nil, err
	}

	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(
			sorted[i].Key.SerializeCompressed(),
			sorted[j].Key.SerializeCompressed(),
		) < 0
	})

	var buf bytes.Buffer
	for _, k := range aggKey.Keys() {
		buf.Write(k.SerializeCompressed())
	}

	return &Wallet{
		ID:           *chainhash.TaggedHash(walletIDTag, buf.Bytes()),
		Label:        label,
		participants: sorted,
		aggKey:       aggKey,
		peers:        peers,
	}, nil
}

// Participants returns the members sorted by key.
func (w *Wallet) Participants() []Participant {
	out := make([]Participant, len(w.participants))
	copy(out, w.participants)

	return out
}

// PeerIDs returns the members' peer ids in canonical order.
func (w *Wallet) PeerIDs() []cosignwire.PeerID {
	ids := make([]cosignwire.PeerID, len(w.participants))
	for i, p := range w.participants {
		ids[i] = p.PeerID
	}

	return ids
}

// Others returns every member except self, in canonical order.
func (w *Wallet) Others(self cosignwire.PeerID) []cosignwire.PeerID {
	ids := make([]cosignwire.PeerID, 0, len(w.participants))
	for _, p := range w.participants {
		if p.PeerID != self {
			ids = append(ids, p.PeerID)
		}
	}

	return ids
}

// Contains returns whether peer is a member.
func (w *Wallet) Contains(peer cosignwire.PeerID) bool {
	return w.peers.Contains(peer)
}

// SameMembers returns whether peers is exactly the member set.
func (w *Wallet) SameMembers(peers []cosignwire.PeerID) bool {
	other := fn.NewSet(peers...)
	if len(other) != len(peers) || len(other) != len(w.peers) {
		return false
	}

	return len(w.peers.Diff(other)) == 0
}

// KeyOf returns the key share of peer.
func (w *Wallet) KeyOf(peer cosignwire.PeerID) (*btcec.PublicKey, bool) {
	for _, p := range w.participants {
		if p.PeerID == peer {
			return p.Key, true
		}
	}

	return nil, false
}

// Quorum is the number of signatures a spend needs. Only n-of-n is
// supported, so it equals the number of members.
func (w *Wallet) Quorum() int {
	return len(w.participants)
}

// AggregateKey returns the MuSig2 aggregate of the members' keys.
func (w *Wallet) AggregateKey() *musigcore.AggregateKey {
	return w.aggKey
}

// PkScript returns the pay-to-taproot output script of the wallet. The
// aggregate key is used directly as the output key.
func (w *Wallet) PkScript() ([]byte, error) {
	return txscript.PayToTaprootScript(w.aggKey.FinalKey)
}

// Address returns the wallet's taproot address on the given network.
func (w *Wallet) Address(params *chaincfg.Params) (*btcutil.AddressTaproot,
	error) {

	return btcutil.NewAddressTaproot(w.aggKey.XOnly(), params)
}

// Resolver looks up shared wallets by id.
type Resolver interface {
	// Resolve returns the wallet with the given id, or
	// ErrWalletNotFound.
	Resolve(id [32]byte) (*Wallet, error)
}

// Store is an in-memory Resolver.
type Store struct {
	mu      sync.RWMutex
	wallets map[[32]byte]*Wallet
}

// A compile time check to ensure Store implements Resolver.
var _ Resolver = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		wallets: make(map[[32]byte]*Wallet),
	}
}

// Add registers w. Adding a wallet twice is a no-op.
func (s *Store) Add(w *Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wallets[w.ID] = w
}

// Resolve returns the wallet with the given id.
func (s *Store) Resolve(id [32]byte) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrWalletNotFound, id[:8])
	}

	return w, nil
}

// Wallets returns every stored wallet.
func (s *Store) Wallets() []*Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, w)
	}

	return out
}
