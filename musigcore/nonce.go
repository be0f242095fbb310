// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package musigcore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

var (
	// ErrNonceConsumed is returned when a secret nonce is used a second
	// time.
	ErrNonceConsumed = errors.New("secret nonce already consumed")

	// ErrInvalidNonce is returned when a public nonce is not a pair of
	// valid compressed points.
	ErrInvalidNonce = errors.New("invalid public nonce encoding")
)

// nonceDomain separates our aux input from any other use of the same
// session id.
var nonceDomain = []byte("cosign/nonce")

// PublicNonce is the public half of a participant's nonce pair, two
// compressed points R1 || R2.
type PublicNonce [musig2.PubNonceSize]byte

// ParsePublicNonce validates and returns a public nonce.
func ParsePublicNonce(b []byte) (PublicNonce, error) {
	var n PublicNonce
	if len(b) != musig2.PubNonceSize {
		return n, fmt.Errorf("%w: %d bytes", ErrInvalidNonce, len(b))
	}

	half := btcec.PubKeyBytesLenCompressed
	if _, err := btcec.ParsePubKey(b[:half]); err != nil {
		return n, fmt.Errorf("%w: R1: %v", ErrInvalidNonce, err)
	}

	if _, err := btcec.ParsePubKey(b[half:]); err != nil {
		return n, fmt.Errorf("%w: R2: %v", ErrInvalidNonce, err)
	}

	copy(n[:], b)

	return n, nil
}

// SecretNonce holds a participant's secret nonce pair for one session. It
// can be consumed exactly once.
type SecretNonce struct {
	mu sync.Mutex

	sec      [musig2.SecNonceSize]byte
	pub      PublicNonce
	consumed bool
}

// Consumed returns whether the secret has been used or discarded.
func (s *SecretNonce) Consumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.consumed
}

// Discard zeroes the secret without using it.
func (s *SecretNonce) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()

	zero(s.sec[:])
	s.consumed = true
}

// take hands out the secret exactly once and zeroes the stored copy.
func (s *SecretNonce) take() ([musig2.SecNonceSize]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sec [musig2.SecNonceSize]byte
	if s.consumed {
		return sec, ErrNonceConsumed
	}

	sec = s.sec
	zero(s.sec[:])
	s.consumed = true

	return sec, nil
}

// zero overwrites b.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// nonceOptions holds the optional inputs of GenerateNonce.
type nonceOptions struct {
	rand    io.Reader
	counter uint64
	msg     *[32]byte
}

// NonceOption customizes nonce generation.
type NonceOption func(*nonceOptions)

// WithRand replaces the randomness source. Intended for tests exercising a
// failing source.
func WithRand(r io.Reader) NonceOption {
	return func(o *nonceOptions) {
		o.rand = r
	}
}

// WithCounter mixes a caller supplied, never repeating counter into the
// nonce derivation.
func WithCounter(c uint64) NonceOption {
	return func(o *nonceOptions) {
		o.counter = c
	}
}

// WithMessage mixes the message to be signed into the nonce derivation.
func WithMessage(msg [32]byte) NonceOption {
	return func(o *nonceOptions) {
		o.msg = &msg
	}
}

// GenerateNonce creates the nonce pair for one session. Besides fresh
// randomness the derivation commits to the signer's secret key, the session
// id and the optional counter and message, so two sessions never derive the
// same nonce even if the randomness source repeats itself.
func GenerateNonce(sessionID [32]byte, signer *btcec.PrivateKey,
	opts ...NonceOption) (*SecretNonce, PublicNonce, error) {

	o := &nonceOptions{}
	for _, opt := range opts {
		opt(o)
	}

	aux := make([]byte, 0, len(nonceDomain)+len(sessionID)+8)
	aux = append(aux, nonceDomain...)
	aux = append(aux, sessionID[:]...)
	aux = binary.BigEndian.AppendUint64(aux, o.counter)

	genOpts := []musig2.NonceGenOption{
		musig2.WithPublicKey(signer.PubKey()),
		musig2.WithNonceSecretKeyAux(signer),
		musig2.WithNonceAuxInput(aux),
	}
	if o.rand != nil {
		genOpts = append(genOpts, musig2.WithCustomRand(o.rand))
	}
	if o.msg != nil {
		genOpts = append(genOpts, musig2.WithNonceMessageAux(*o.msg))
	}

	nonces, err := musig2.GenNonces(genOpts...)
	if err != nil {
		return nil, PublicNonce{}, err
	}

	sec := &SecretNonce{
		sec: nonces.SecNonce,
		pub: PublicNonce(nonces.PubNonce),
	}
	zero(nonces.SecNonce[:])

	return sec, sec.pub, nil
}

// AggregateNonces combines every participant's public nonce.
func AggregateNonces(nonces []PublicNonce) ([musig2.PubNonceSize]byte,
	error) {

	raw := make([][musig2.PubNonceSize]byte, len(nonces))
	for i, n := range nonces {
		raw[i] = n
	}

	return musig2.AggregateNonces(raw)
}
