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

// Capability is a bitfield of services a peer advertises.
type Capability uint8

const (
	// CapCoSign marks a peer willing to participate in signing sessions.
	CapCoSign Capability = 1 << 0
)

// Has returns whether all bits of c2 are set in c.
func (c Capability) Has(c2 Capability) bool {
	return c&c2 == c2
}

// TopicSigners is the broadcast topic signer advertisements are gossiped
// on.
const TopicSigners = "cosign/signers"

const (
	typeAdPeerID    tlv.Type = 0
	typeAdKey       tlv.Type = 2
	typeAdKeyShare  tlv.Type = 4
	typeAdCaps      tlv.Type = 6
	typeAdTimestamp tlv.Type = 8
)

// SignerAdvertisement is a peer's broadcast declaration of its willingness
// and capability to co-sign.
type SignerAdvertisement struct {
	// PeerID is the advertising peer.
	PeerID PeerID

	// AdvertKey is the peer's public advertising key.
	AdvertKey *btcec.PublicKey

	// KeyShare is the public key share the peer signs with.
	KeyShare *btcec.PublicKey

	// Capabilities declares what the peer is willing to do.
	Capabilities Capability

	// Timestamp is the peer's local time when it created the
	// advertisement. Newer timestamps supersede older ones.
	Timestamp time.Time
}

// A compile time check to ensure SignerAdvertisement implements Message.
var _ Message = (*SignerAdvertisement)(nil)

// MsgType returns the wire tag of the message.
func (a *SignerAdvertisement) MsgType() MessageType {
	return MsgSignerAdvertisement
}

// Encode writes the TLV payload.
func (a *SignerAdvertisement) Encode(w io.Writer) error {
	if a.PeerID == "" || a.AdvertKey == nil || a.KeyShare == nil {
		return ErrMissingField
	}

	peer := []byte(a.PeerID)
	caps := uint8(a.Capabilities)
	ts := uint64(a.Timestamp.UnixNano())

	return encodeStream(w,
		tlv.MakePrimitiveRecord(typeAdPeerID, &peer),
		tlv.MakePrimitiveRecord(typeAdKey, &a.AdvertKey),
		tlv.MakePrimitiveRecord(typeAdKeyShare, &a.KeyShare),
		tlv.MakePrimitiveRecord(typeAdCaps, &caps),
		tlv.MakePrimitiveRecord(typeAdTimestamp, &ts),
	)
}

// Decode reads the TLV payload.
func (a *SignerAdvertisement) Decode(r io.Reader) error {
	var (
		peer     []byte
		key      *btcec.PublicKey
		keyShare *btcec.PublicKey
		caps     uint8
		ts       uint64
	)

	err := decodeStream(r,
		tlv.MakePrimitiveRecord(typeAdPeerID, &peer),
		tlv.MakePrimitiveRecord(typeAdKey, &key),
		tlv.MakePrimitiveRecord(typeAdKeyShare, &keyShare),
		tlv.MakePrimitiveRecord(typeAdCaps, &caps),
		tlv.MakePrimitiveRecord(typeAdTimestamp, &ts),
	)
	if err != nil {
		return err
	}

	id, err := checkPeerID(peer, "peer id")
	if err != nil {
		return err
	}

	if key == nil || keyShare == nil {
		return fmt.Errorf("%w: advertisement keys", ErrMissingField)
	}

	a.PeerID = id
	a.AdvertKey = key
	a.KeyShare = keyShare
	a.Capabilities = Capability(caps)
	a.Timestamp = time.Unix(0, int64(ts))

	return nil
}
