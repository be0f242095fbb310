// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package musigcore

import (
	"crypto/sha256"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/stretchr/testify/require"
)

// zeroReader is a degenerate randomness source that only returns zeros.
type zeroReader struct{}

// Read fills p with zeros.
func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}

	return len(p), nil
}

// testSigners returns n private keys and their public keys.
func testSigners(t *testing.T, n int) ([]*btcec.PrivateKey,
	[]*btcec.PublicKey) {

	t.Helper()

	privs := make([]*btcec.PrivateKey, n)
	pubs := make([]*btcec.PublicKey, n)
	for i := range privs {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		privs[i] = priv
		pubs[i] = priv.PubKey()
	}

	return privs, pubs
}

// signAll runs both rounds for every signer and returns the public nonces
// and partial signatures in signer order.
func signAll(t *testing.T, sessionID [32]byte, msg [32]byte,
	privs []*btcec.PrivateKey, agg *AggregateKey) ([]PublicNonce,
	[]*musig2.PartialSignature) {

	t.Helper()

	secs := make([]*SecretNonce, len(privs))
	pubNonces := make([]PublicNonce, len(privs))
	for i, priv := range privs {
		sec, pub, err := GenerateNonce(sessionID, priv)
		require.NoError(t, err)

		secs[i] = sec
		pubNonces[i] = pub
	}

	partials := make([]*musig2.PartialSignature, len(privs))
	for i, priv := range privs {
		sig, err := ComputePartialSignature(
			msg, agg, pubNonces, secs[i], priv,
		)
		require.NoError(t, err)

		partials[i] = sig
	}

	return pubNonces, partials
}

// TestAggregateKeysOrderIndependent verifies the aggregate key is the same
// for every permutation of the key set.
func TestAggregateKeysOrderIndependent(t *testing.T) {
	t.Parallel()

	_, pubs := testSigners(t, 5)

	want, err := AggregateKeys(pubs)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for n := 0; n < 20; n++ {
		perm := make([]*btcec.PublicKey, len(pubs))
		for i, j := range rng.Perm(len(pubs)) {
			perm[i] = pubs[j]
		}

		got, err := AggregateKeys(perm)
		require.NoError(t, err)
		require.True(t, want.FinalKey.IsEqual(got.FinalKey))
	}
}

// TestAggregateKeysRejects verifies degenerate key sets are refused.
func TestAggregateKeysRejects(t *testing.T) {
	t.Parallel()

	_, pubs := testSigners(t, 2)

	_, err := AggregateKeys(pubs[:1])
	require.ErrorIs(t, err, ErrTooFewKeys)

	_, err = AggregateKeys([]*btcec.PublicKey{pubs[0], pubs[1], pubs[0]})
	require.ErrorIs(t, err, ErrDuplicateKey)

	_, err = AggregateKeys([]*btcec.PublicKey{pubs[0], nil})
	require.ErrorIs(t, err, ErrNilKey)
}

// TestSignAndAggregate runs a full three party signature and checks it
// verifies under the aggregate key.
func TestSignAndAggregate(t *testing.T) {
	t.Parallel()

	// Arrange: Three signers and a message.
	privs, pubs := testSigners(t, 3)
	agg, err := AggregateKeys(pubs)
	require.NoError(t, err)

	msg := sha256.Sum256([]byte("spend"))

	// Act: Run both rounds.
	nonces, partials := signAll(t, [32]byte{1}, msg, privs, agg)

	// Assert: Every partial verifies individually.
	for i, sig := range partials {
		ok := VerifyPartialSignature(
			sig, nonces[i], pubs[i], agg, nonces, msg,
		)
		require.True(t, ok, "signer %d", i)
	}

	final, err := AggregateSignatures(agg, nonces, msg, partials)
	require.NoError(t, err)
	require.True(t, final.Verify(msg[:], agg.FinalKey))

	// Replaying the same transcript yields the same signature.
	again, err := AggregateSignatures(agg, nonces, msg, partials)
	require.NoError(t, err)
	require.Equal(t, final.Serialize(), again.Serialize())
}

// TestInvalidPartialSignature verifies a tampered partial fails individual
// verification and cannot be aggregated into a valid signature.
func TestInvalidPartialSignature(t *testing.T) {
	t.Parallel()

	privs, pubs := testSigners(t, 3)
	agg, err := AggregateKeys(pubs)
	require.NoError(t, err)

	msg := sha256.Sum256([]byte("spend"))
	nonces, partials := signAll(t, [32]byte{2}, msg, privs, agg)

	// Arrange: Add one to the last signer's scalar.
	var one btcec.ModNScalar
	one.SetInt(1)
	bad := new(btcec.ModNScalar).Set(partials[2].S).Add(&one)
	partials[2] = &musig2.PartialSignature{S: bad}

	// Assert: Only the tampered signature fails.
	require.True(t, VerifyPartialSignature(
		partials[0], nonces[0], pubs[0], agg, nonces, msg,
	))
	require.False(t, VerifyPartialSignature(
		partials[2], nonces[2], pubs[2], agg, nonces, msg,
	))

	// A valid partial attributed to the wrong key also fails.
	require.False(t, VerifyPartialSignature(
		partials[0], nonces[0], pubs[1], agg, nonces, msg,
	))

	_, err = AggregateSignatures(agg, nonces, msg, partials)
	require.ErrorIs(t, err, ErrInvalidFinalSig)
}

// TestSecretNonceSingleUse verifies a secret nonce cannot sign twice and is
// consumed even when signing fails.
func TestSecretNonceSingleUse(t *testing.T) {
	t.Parallel()

	privs, pubs := testSigners(t, 2)
	agg, err := AggregateKeys(pubs)
	require.NoError(t, err)

	msg := sha256.Sum256([]byte("once"))

	sec0, pub0, err := GenerateNonce([32]byte{3}, privs[0])
	require.NoError(t, err)
	_, pub1, err := GenerateNonce([32]byte{3}, privs[1])
	require.NoError(t, err)

	nonces := []PublicNonce{pub0, pub1}

	_, err = ComputePartialSignature(msg, agg, nonces, sec0, privs[0])
	require.NoError(t, err)
	require.True(t, sec0.Consumed())

	// Act: A second use is refused.
	_, err = ComputePartialSignature(msg, agg, nonces, sec0, privs[0])
	require.ErrorIs(t, err, ErrNonceConsumed)

	// A failed attempt still burns the nonce.
	sec2, _, err := GenerateNonce([32]byte{4}, privs[0])
	require.NoError(t, err)

	_, err = ComputePartialSignature(msg, agg, nonces, sec2, privs[0])
	require.ErrorIs(t, err, ErrOwnNonceMissing)
	require.True(t, sec2.Consumed())

	// Discard also consumes.
	sec3, _, err := GenerateNonce([32]byte{5}, privs[0])
	require.NoError(t, err)
	sec3.Discard()
	require.True(t, sec3.Consumed())
}

// TestNonceDistinctUnderDegenerateRandomness verifies nonces differ across
// sessions even when the randomness source returns only zeros.
func TestNonceDistinctUnderDegenerateRandomness(t *testing.T) {
	t.Parallel()

	privs, _ := testSigners(t, 1)

	const sessions = 64

	seen := make(map[PublicNonce]struct{}, sessions)
	for i := 0; i < sessions; i++ {
		var id [32]byte
		id[0] = byte(i)

		_, pub, err := GenerateNonce(id, privs[0], WithRand(zeroReader{}))
		require.NoError(t, err)

		_, dup := seen[pub]
		require.False(t, dup, "session %d reused a nonce", i)
		seen[pub] = struct{}{}
	}

	// The counter separates nonces even for a repeated session id.
	_, a, err := GenerateNonce(
		[32]byte{}, privs[0], WithRand(zeroReader{}), WithCounter(1),
	)
	require.NoError(t, err)
	_, b, err := GenerateNonce(
		[32]byte{}, privs[0], WithRand(zeroReader{}), WithCounter(2),
	)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

// TestParseEncodings verifies the strict nonce and partial signature
// parsers.
func TestParseEncodings(t *testing.T) {
	t.Parallel()

	privs, _ := testSigners(t, 1)
	_, pub, err := GenerateNonce([32]byte{9}, privs[0])
	require.NoError(t, err)

	got, err := ParsePublicNonce(pub[:])
	require.NoError(t, err)
	require.Equal(t, pub, got)

	_, err = ParsePublicNonce(pub[:10])
	require.ErrorIs(t, err, ErrInvalidNonce)

	bad := pub
	bad[0] = 0x05
	_, err = ParsePublicNonce(bad[:])
	require.ErrorIs(t, err, ErrInvalidNonce)

	var overflow [32]byte
	for i := range overflow {
		overflow[i] = 0xff
	}
	_, err = ParsePartialSignature(overflow)
	require.ErrorIs(t, err, ErrInvalidPartialSig)

	sig, err := ParsePartialSignature([32]byte{0x01})
	require.NoError(t, err)
	require.Equal(t, [32]byte{0x01}, EncodePartialSignature(sig))
}
