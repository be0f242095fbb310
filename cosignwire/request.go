// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cosignwire

import (
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeReqID        tlv.Type = 0
	typeReqWalletID  tlv.Type = 2
	typeReqAggKey    tlv.Type = 4
	typeReqRequester tlv.Type = 6
	typeReqTargets   tlv.Type = 8
	typeReqPsbt      tlv.Type = 10
	typeReqInput     tlv.Type = 12
	typeReqCreatedAt tlv.Type = 14
	typeReqMemo      tlv.Type = 15
)

// SigningRequest asks every target participant to co-sign a spend from a
// shared wallet.
type SigningRequest struct {
	// RequestID identifies the request and the session it may become.
	RequestID RequestID

	// WalletID identifies the shared wallet.
	WalletID [32]byte

	// AggregateKey is the requester's view of the wallet's aggregated
	// key. Receivers compare it to their own record of the wallet.
	AggregateKey *btcec.PublicKey

	// Requester is the proposing peer.
	Requester PeerID

	// Targets is the full participant set of the wallet.
	Targets []PeerID

	// Psbt is the serialized spend packet.
	Psbt []byte

	// InputIndex is the wallet input the session signs.
	InputIndex uint32

	// CreatedAt is the requester's creation time.
	CreatedAt time.Time

	// Memo is an optional human-readable note.
	Memo string
}

// A compile time check to ensure SigningRequest implements Message.
var _ Message = (*SigningRequest)(nil)

// MsgType returns the wire tag of the message.
func (m *SigningRequest) MsgType() MessageType {
	return MsgSigningRequest
}

// Encode writes the TLV payload.
func (m *SigningRequest) Encode(w io.Writer) error {
	if m.AggregateKey == nil || m.Requester == "" ||
		len(m.Targets) == 0 || len(m.Psbt) == 0 {

		return ErrMissingField
	}

	var (
		id        = [32]byte(m.RequestID)
		requester = []byte(m.Requester)
		targets   = m.Targets
		createdAt = uint64(m.CreatedAt.UnixNano())
		memo      = []byte(m.Memo)
	)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(typeReqID, &id),
		tlv.MakePrimitiveRecord(typeReqWalletID, &m.WalletID),
		tlv.MakePrimitiveRecord(typeReqAggKey, &m.AggregateKey),
		tlv.MakePrimitiveRecord(typeReqRequester, &requester),
		peerListRecord(typeReqTargets, &targets),
		tlv.MakePrimitiveRecord(typeReqPsbt, &m.Psbt),
		tlv.MakePrimitiveRecord(typeReqInput, &m.InputIndex),
		tlv.MakePrimitiveRecord(typeReqCreatedAt, &createdAt),
		tlv.MakePrimitiveRecord(typeReqMemo, &memo),
	)
}

// Decode reads the TLV payload.
func (m *SigningRequest) Decode(r io.Reader) error {
	var (
		id        [32]byte
		walletID  [32]byte
		aggKey    *btcec.PublicKey
		requester []byte
		targets   []PeerID
		packet    []byte
		input     uint32
		createdAt uint64
		memo      []byte
	)

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(typeReqID, &id),
		tlv.MakePrimitiveRecord(typeReqWalletID, &walletID),
		tlv.MakePrimitiveRecord(typeReqAggKey, &aggKey),
		tlv.MakePrimitiveRecord(typeReqRequester, &requester),
		peerListRecord(typeReqTargets, &targets),
		tlv.MakePrimitiveRecord(typeReqPsbt, &packet),
		tlv.MakePrimitiveRecord(typeReqInput, &input),
		tlv.MakePrimitiveRecord(typeReqCreatedAt, &createdAt),
		tlv.MakePrimitiveRecord(typeReqMemo, &memo),
	)
	if err != nil {
		return err
	}

	req, err := checkPeerID(requester, "requester")
	if err != nil {
		return err
	}

	switch {
	case aggKey == nil:
		return fmt.Errorf("%w: aggregate key", ErrMissingField)

	case len(targets) < 2:
		return fmt.Errorf("%w: %d targets", ErrInvalidField,
			len(targets))

	case len(packet) == 0:
		return fmt.Errorf("%w: psbt", ErrMissingField)
	}

	m.RequestID = RequestID(id)
	m.WalletID = walletID
	m.AggregateKey = aggKey
	m.Requester = req
	m.Targets = targets
	m.Psbt = packet
	m.InputIndex = input
	m.CreatedAt = time.Unix(0, int64(createdAt))
	m.Memo = string(memo)

	return nil
}

const (
	typeRespID        tlv.Type = 0
	typeRespResponder tlv.Type = 2
	typeRespAccept    tlv.Type = 4
)

// SigningResponse carries one participant's accept or reject decision. It
// is sent to every other participant so each of them can observe quorum.
type SigningResponse struct {
	// RequestID identifies the request.
	RequestID RequestID

	// Responder is the deciding participant.
	Responder PeerID

	// Accept is true for an accept decision.
	Accept bool
}

// A compile time check to ensure SigningResponse implements Message.
var _ Message = (*SigningResponse)(nil)

// MsgType returns the wire tag of the message.
func (m *SigningResponse) MsgType() MessageType {
	return MsgSigningResponse
}

// Encode writes the TLV payload.
func (m *SigningResponse) Encode(w io.Writer) error {
	if m.Responder == "" {
		return ErrMissingField
	}

	var (
		id        = [32]byte(m.RequestID)
		responder = []byte(m.Responder)
		accept    uint8
	)
	if m.Accept {
		accept = 1
	}

	return encodeStream(w,
		tlv.MakePrimitiveRecord(typeRespID, &id),
		tlv.MakePrimitiveRecord(typeRespResponder, &responder),
		tlv.MakePrimitiveRecord(typeRespAccept, &accept),
	)
}

// Decode reads the TLV payload.
func (m *SigningResponse) Decode(r io.Reader) error {
	var (
		id        [32]byte
		responder []byte
		accept    uint8
	)

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(typeRespID, &id),
		tlv.MakePrimitiveRecord(typeRespResponder, &responder),
		tlv.MakePrimitiveRecord(typeRespAccept, &accept),
	)
	if err != nil {
		return err
	}

	peer, err := checkPeerID(responder, "responder")
	if err != nil {
		return err
	}

	if accept > 1 {
		return fmt.Errorf("%w: accept flag %d", ErrInvalidField, accept)
	}

	m.RequestID = RequestID(id)
	m.Responder = peer
	m.Accept = accept == 1

	return nil
}
