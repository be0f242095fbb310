// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cosignwire

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeNonceSession tlv.Type = 0
	typeNonceValue   tlv.Type = 2
)

// NonceCommitment carries a participant's public nonce for round one of a
// session.
type NonceCommitment struct {
	// SessionID identifies the session.
	SessionID RequestID

	// Nonce is the 66-byte public nonce.
	Nonce [musig2.PubNonceSize]byte
}

// A compile time check to ensure NonceCommitment implements Message.
var _ Message = (*NonceCommitment)(nil)

// MsgType returns the wire tag of the message.
func (m *NonceCommitment) MsgType() MessageType {
	return MsgNonceCommitment
}

// Encode writes the TLV payload.
func (m *NonceCommitment) Encode(w io.Writer) error {
	id := [32]byte(m.SessionID)
	nonce := m.Nonce[:]

	return encodeStream(w,
		tlv.MakePrimitiveRecord(typeNonceSession, &id),
		tlv.MakePrimitiveRecord(typeNonceValue, &nonce),
	)
}

// Decode reads the TLV payload. The nonce is only checked for size here,
// point validation belongs to the session coordinator.
func (m *NonceCommitment) Decode(r io.Reader) error {
	var (
		id    [32]byte
		nonce []byte
	)

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(typeNonceSession, &id),
		tlv.MakePrimitiveRecord(typeNonceValue, &nonce),
	)
	if err != nil {
		return err
	}

	if len(nonce) != musig2.PubNonceSize {
		return fmt.Errorf("%w: nonce is %d bytes", ErrInvalidField,
			len(nonce))
	}

	m.SessionID = RequestID(id)
	copy(m.Nonce[:], nonce)

	return nil
}

const (
	typePartialSession tlv.Type = 0
	typePartialSig     tlv.Type = 2
)

// PartialSignature carries a participant's round two contribution.
type PartialSignature struct {
	// SessionID identifies the session.
	SessionID RequestID

	// Sig is the 32-byte big-endian scalar s of the partial signature.
	Sig [32]byte
}

// A compile time check to ensure PartialSignature implements Message.
var _ Message = (*PartialSignature)(nil)

// MsgType returns the wire tag of the message.
func (m *PartialSignature) MsgType() MessageType {
	return MsgPartialSignature
}

// Encode writes the TLV payload.
func (m *PartialSignature) Encode(w io.Writer) error {
	id := [32]byte(m.SessionID)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(typePartialSession, &id),
		tlv.MakePrimitiveRecord(typePartialSig, &m.Sig),
	)
}

// Decode reads the TLV payload.
func (m *PartialSignature) Decode(r io.Reader) error {
	var id [32]byte

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(typePartialSession, &id),
		tlv.MakePrimitiveRecord(typePartialSig, &m.Sig),
	)
	if err != nil {
		return err
	}

	m.SessionID = RequestID(id)

	return nil
}

const (
	typeAbortSession tlv.Type = 0
	typeAbortReason  tlv.Type = 2
	typeAbortCulprit tlv.Type = 3
)

// SessionAbort tells the other participants a request or session has been
// torn down. Reason is a cosignerr.ErrorCode.
type SessionAbort struct {
	// SessionID identifies the request or session.
	SessionID RequestID

	// Reason is the numeric error code of the abort.
	Reason uint8

	// Culprit is the participant blamed for the abort, if any.
	Culprit PeerID
}

// A compile time check to ensure SessionAbort implements Message.
var _ Message = (*SessionAbort)(nil)

// MsgType returns the wire tag of the message.
func (m *SessionAbort) MsgType() MessageType {
	return MsgSessionAbort
}

// Encode writes the TLV payload.
func (m *SessionAbort) Encode(w io.Writer) error {
	id := [32]byte(m.SessionID)
	culprit := []byte(m.Culprit)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(typeAbortSession, &id),
		tlv.MakePrimitiveRecord(typeAbortReason, &m.Reason),
		tlv.MakePrimitiveRecord(typeAbortCulprit, &culprit),
	)
}

// Decode reads the TLV payload.
func (m *SessionAbort) Decode(r io.Reader) error {
	var (
		id      [32]byte
		culprit []byte
	)

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(typeAbortSession, &id),
		tlv.MakePrimitiveRecord(typeAbortReason, &m.Reason),
		tlv.MakePrimitiveRecord(typeAbortCulprit, &culprit),
	)
	if err != nil {
		return err
	}

	if len(culprit) > MaxPeerIDLen {
		return fmt.Errorf("%w: culprit too long", ErrInvalidField)
	}

	m.SessionID = RequestID(id)
	m.Culprit = PeerID(culprit)

	return nil
}
