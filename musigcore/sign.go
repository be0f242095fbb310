// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package musigcore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	// ErrSignerNotInKeySet is returned when the signing key is not part
	// of the aggregate key set.
	ErrSignerNotInKeySet = errors.New("signer not in key set")

	// ErrOwnNonceMissing is returned when the nonce list handed to
	// ComputePartialSignature does not contain the signer's own nonce.
	ErrOwnNonceMissing = errors.New("own public nonce not in nonce set")

	// ErrNonceCountMismatch is returned when the number of public nonces
	// does not match the key set.
	ErrNonceCountMismatch = errors.New("nonce count does not match key set")

	// ErrInvalidPartialSig is returned for an out-of-range partial
	// signature scalar.
	ErrInvalidPartialSig = errors.New("partial signature overflows " +
		"group order")

	// ErrInvalidFinalSig is returned when aggregated partial signatures do
	// not verify under the aggregate key.
	ErrInvalidFinalSig = errors.New("aggregated signature does not verify")
)

// ComputePartialSignature signs msg for the key set of agg. nonces must hold
// one public nonce per participant, including the signer's own. The secret
// nonce is consumed and zeroed whatever the outcome.
func ComputePartialSignature(msg [32]byte, agg *AggregateKey,
	nonces []PublicNonce, secNonce *SecretNonce,
	key *btcec.PrivateKey) (*musig2.PartialSignature, error) {

	sec, err := secNonce.take()
	if err != nil {
		return nil, err
	}
	defer zero(sec[:])

	if !agg.Contains(key.PubKey()) {
		return nil, ErrSignerNotInKeySet
	}

	if len(nonces) != len(agg.keys) {
		return nil, ErrNonceCountMismatch
	}

	if !containsNonce(nonces, secNonce.pub) {
		return nil, ErrOwnNonceMissing
	}

	combined, err := AggregateNonces(nonces)
	if err != nil {
		return nil, err
	}

	return musig2.Sign(
		sec, key, combined, agg.keys, msg, musig2.WithSortedKeys(),
	)
}

// VerifyPartialSignature checks one participant's partial signature against
// its key share and public nonce.
func VerifyPartialSignature(sig *musig2.PartialSignature,
	signerNonce PublicNonce, signerKey *btcec.PublicKey,
	agg *AggregateKey, nonces []PublicNonce, msg [32]byte) bool {

	if sig == nil || sig.S == nil || !agg.Contains(signerKey) {
		return false
	}

	if len(nonces) != len(agg.keys) ||
		!containsNonce(nonces, signerNonce) {

		return false
	}

	combined, err := AggregateNonces(nonces)
	if err != nil {
		return false
	}

	return sig.Verify(
		signerNonce, combined, agg.keys, signerKey, msg,
		musig2.WithSortedKeys(),
	)
}

// AggregateSignatures sums the partial signatures into the final Schnorr
// signature. The final nonce is derived from public data only, so anyone
// holding the session transcript obtains the same signature. The result is
// verified against the aggregate key before it is returned.
func AggregateSignatures(agg *AggregateKey, nonces []PublicNonce,
	msg [32]byte,
	partials []*musig2.PartialSignature) (*schnorr.Signature, error) {

	if len(partials) != len(agg.keys) || len(nonces) != len(agg.keys) {
		return nil, ErrNonceCountMismatch
	}

	combined, err := AggregateNonces(nonces)
	if err != nil {
		return nil, err
	}

	r, err := finalNonce(combined, agg.FinalKey, msg)
	if err != nil {
		return nil, err
	}

	sig := musig2.CombineSigs(r, partials)
	if !sig.Verify(msg[:], agg.FinalKey) {
		return nil, ErrInvalidFinalSig
	}

	return sig, nil
}

// EncodePartialSignature returns the 32-byte scalar of sig.
func EncodePartialSignature(sig *musig2.PartialSignature) [32]byte {
	return sig.S.Bytes()
}

// ParsePartialSignature parses a 32-byte scalar, rejecting values not
// below the group order.
func ParsePartialSignature(b [32]byte) (*musig2.PartialSignature, error) {
	s := new(btcec.ModNScalar)
	if overflow := s.SetBytes(&b); overflow != 0 {
		return nil, ErrInvalidPartialSig
	}

	return &musig2.PartialSignature{S: s}, nil
}

// finalNonce computes R = R1 + b*R2 for the aggregated nonce, where b is the
// BIP-327 nonce coefficient. An infinite R is replaced by the generator.
func finalNonce(combined [musig2.PubNonceSize]byte, key *btcec.PublicKey,
	msg [32]byte) (*btcec.PublicKey, error) {

	var buf bytes.Buffer
	buf.Write(combined[:])
	buf.Write(schnorr.SerializePubKey(key))
	buf.Write(msg[:])

	coefHash := chainhash.TaggedHash(musig2.NonceBlindTag, buf.Bytes())

	var b secp.ModNScalar
	b.SetByteSlice(coefHash[:])

	half := secp.PubKeyBytesLenCompressed
	r1, err := parseNoncePoint(combined[:half])
	if err != nil {
		return nil, err
	}

	r2, err := parseNoncePoint(combined[half:])
	if err != nil {
		return nil, err
	}

	var bR2, r secp.JacobianPoint
	secp.ScalarMultNonConst(&b, &r2, &bR2)
	secp.AddNonConst(&r1, &bR2, &r)

	if (r.X.IsZero() && r.Y.IsZero()) || r.Z.IsZero() {
		var one secp.ModNScalar
		one.SetInt(1)
		secp.ScalarBaseMultNonConst(&one, &r)
	}

	r.ToAffine()

	return secp.NewPublicKey(&r.X, &r.Y), nil
}

// parseNoncePoint parses one half of an aggregated nonce. The all-zero
// encoding stands for the point at infinity.
func parseNoncePoint(b []byte) (secp.JacobianPoint, error) {
	var p secp.JacobianPoint
	if isZero(b) {
		return p, nil
	}

	pub, err := secp.ParsePubKey(b)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	pub.AsJacobian(&p)

	return p, nil
}

// containsNonce returns whether n is one of nonces.
func containsNonce(nonces []PublicNonce, n PublicNonce) bool {
	for _, c := range nonces {
		if c == n {
			return true
		}
	}

	return false
}

// isZero returns whether every byte of b is zero.
func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}

	return true
}
