// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cosignwire defines the closed set of messages exchanged between
// co-signers and their TLV encoding.
//
// Every message is framed as a two byte big-endian message type, a varint
// payload length and a TLV stream. Even record types are mandatory, so a peer
// running an older version refuses messages it cannot fully understand
// rather than silently dropping fields.
package cosignwire

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// MaxPayloadSize is the largest encoded payload accepted by
	// ReadMessage.
	MaxPayloadSize = 1 << 20

	// MaxPeerIDLen is the largest accepted peer identifier.
	MaxPeerIDLen = 256

	// MaxParticipants bounds the size of a target participant list.
	MaxParticipants = 64
)

var (
	// ErrUnknownMessage is returned when a frame carries a message type
	// this version does not define.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrPayloadTooLarge is returned when a frame announces a payload
	// larger than MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("message payload too large")

	// ErrMissingField is returned when a mandatory field is absent or
	// nil.
	ErrMissingField = errors.New("missing mandatory field")

	// ErrInvalidField is returned when a field has the wrong size or an
	// out-of-range value.
	ErrInvalidField = errors.New("invalid field")
)

// PeerID is the opaque, network-unique identifier of a peer.
type PeerID string

// String returns the peer id, abbreviated for log output.
func (p PeerID) String() string {
	if len(p) > 16 {
		return string(p[:16])
	}

	return string(p)
}

// RequestID identifies a signing request. The session created from an
// accepted request reuses the same identifier.
type RequestID [32]byte

// String returns the hex encoding of the id.
func (r RequestID) String() string {
	return hex.EncodeToString(r[:])
}

// MessageType is the wire tag of a message variant.
type MessageType uint16

// The closed set of message variants.
const (
	MsgSignerAdvertisement MessageType = 1
	MsgSigningRequest      MessageType = 2
	MsgSigningResponse     MessageType = 3
	MsgNonceCommitment     MessageType = 4
	MsgPartialSignature    MessageType = 5
	MsgSessionAbort        MessageType = 6
)

// String returns a human readable message type.
func (t MessageType) String() string {
	switch t {
	case MsgSignerAdvertisement:
		return "SignerAdvertisement"

	case MsgSigningRequest:
		return "SigningRequest"

	case MsgSigningResponse:
		return "SigningResponse"

	case MsgNonceCommitment:
		return "NonceCommitment"

	case MsgPartialSignature:
		return "PartialSignature"

	case MsgSessionAbort:
		return "SessionAbort"

	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// Message is implemented by every wire message.
type Message interface {
	// MsgType returns the wire tag of the message.
	MsgType() MessageType

	// Encode writes the TLV payload of the message to w.
	Encode(w io.Writer) error

	// Decode reads the TLV payload of the message from r, which must be
	// limited to exactly the payload.
	Decode(r io.Reader) error
}

// makeEmptyMessage returns a zero message for the given type.
func makeEmptyMessage(t MessageType) (Message, error) {
	switch t {
	case MsgSignerAdvertisement:
		return &SignerAdvertisement{}, nil

	case MsgSigningRequest:
		return &SigningRequest{}, nil

	case MsgSigningResponse:
		return &SigningResponse{}, nil

	case MsgNonceCommitment:
		return &NonceCommitment{}, nil

	case MsgPartialSignature:
		return &PartialSignature{}, nil

	case MsgSessionAbort:
		return &SessionAbort{}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, uint16(t))
	}
}

// WriteMessage frames and writes msg to w.
func WriteMessage(w io.Writer, msg Message) error {
	var payload bytes.Buffer
	if err := msg.Encode(&payload); err != nil {
		return fmt.Errorf("encode %v: %w", msg.MsgType(), err)
	}

	var typeBuf [2]byte
	binary.BigEndian.PutUint16(typeBuf[:], uint16(msg.MsgType()))
	if _, err := w.Write(typeBuf[:]); err != nil {
		return err
	}

	var buf [8]byte
	err := tlv.WriteVarInt(w, uint64(payload.Len()), &buf)
	if err != nil {
		return err
	}

	_, err = w.Write(payload.Bytes())

	return err
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var typeBuf [2]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return nil, err
	}

	msg, err := makeEmptyMessage(
		MessageType(binary.BigEndian.Uint16(typeBuf[:])),
	)
	if err != nil {
		return nil, err
	}

	var buf [8]byte
	size, err := tlv.ReadVarInt(r, &buf)
	if err != nil {
		return nil, err
	}

	if size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	if err := msg.Decode(bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("decode %v: %w", msg.MsgType(), err)
	}

	return msg, nil
}

// Serialize returns the framed encoding of msg.
func Serialize(msg Message) ([]byte, error) {
	var b bytes.Buffer
	if err := WriteMessage(&b, msg); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Deserialize parses a framed message and rejects trailing bytes.
func Deserialize(raw []byte) (Message, error) {
	r := bytes.NewReader(raw)

	msg, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidField,
			r.Len())
	}

	return msg, nil
}
