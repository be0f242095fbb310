// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sharedwallet

import (
	"fmt"
	"testing"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// testParticipants returns n participants with fresh keys.
func testParticipants(t *testing.T, n int) []Participant {
	t.Helper()

	ps := make([]Participant, n)
	for i := range ps {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		ps[i] = Participant{
			PeerID: cosignwire.PeerID(fmt.Sprintf("peer-%d", i)),
			Key:    priv.PubKey(),
		}
	}

	return ps
}

// TestNewOrderIndependent verifies every member derives the same wallet
// regardless of the order participants are listed in.
func TestNewOrderIndependent(t *testing.T) {
	t.Parallel()

	ps := testParticipants(t, 3)

	w1, err := New("a", ps)
	require.NoError(t, err)

	w2, err := New("b", []Participant{ps[2], ps[0], ps[1]})
	require.NoError(t, err)

	require.Equal(t, w1.ID, w2.ID)
	require.True(t, w1.AggregateKey().FinalKey.IsEqual(
		w2.AggregateKey().FinalKey,
	))
	require.Equal(t, w1.PeerIDs(), w2.PeerIDs())
	require.Equal(t, 3, w1.Quorum())

	addr1, err := w1.Address(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	addr2, err := w2.Address(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.Equal(t, addr1.String(), addr2.String())

	script, err := w1.PkScript()
	require.NoError(t, err)
	require.True(t, txscript.IsPayToTaproot(script))
}

// TestNewRejects verifies invalid membership is refused.
func TestNewRejects(t *testing.T) {
	t.Parallel()

	ps := testParticipants(t, 2)

	_, err := New("", ps[:1])
	require.ErrorIs(t, err, ErrTooFewParticipants)

	dup := []Participant{ps[0], {PeerID: ps[0].PeerID, Key: ps[1].Key}}
	_, err = New("", dup)
	require.ErrorIs(t, err, ErrDuplicatePeer)

	_, err = New("", []Participant{ps[0], {PeerID: "x"}})
	require.ErrorIs(t, err, ErrInvalidParticipant)
}

// TestMembership verifies the membership helpers and the store.
func TestMembership(t *testing.T) {
	t.Parallel()

	ps := testParticipants(t, 3)
	w, err := New("", ps)
	require.NoError(t, err)

	require.True(t, w.Contains("peer-1"))
	require.False(t, w.Contains("peer-9"))
	require.Len(t, w.Others("peer-1"), 2)
	require.NotContains(t, w.Others("peer-1"), cosignwire.PeerID("peer-1"))

	require.True(t, w.SameMembers(
		[]cosignwire.PeerID{"peer-2", "peer-0", "peer-1"},
	))
	require.False(t, w.SameMembers([]cosignwire.PeerID{"peer-0", "peer-1"}))
	require.False(t, w.SameMembers(
		[]cosignwire.PeerID{"peer-0", "peer-1", "peer-1"},
	))

	key, ok := w.KeyOf("peer-2")
	require.True(t, ok)
	require.True(t, key.IsEqual(ps[2].Key))

	s := NewStore()
	_, err = s.Resolve(w.ID)
	require.ErrorIs(t, err, ErrWalletNotFound)

	s.Add(w)
	got, err := s.Resolve(w.ID)
	require.NoError(t, err)
	require.Same(t, w, got)
	require.Len(t, s.Wallets(), 1)
}
