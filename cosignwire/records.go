// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cosignwire

import (
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

// peerListSize returns the encoded size of a peer list.
func peerListSize(peers *[]PeerID) tlv.SizeFunc {
	return func() uint64 {
		size := tlv.VarIntSize(uint64(len(*peers)))
		for _, p := range *peers {
			size += tlv.VarIntSize(uint64(len(p))) + uint64(len(p))
		}

		return size
	}
}

// encodePeerList writes a varint count followed by length-prefixed ids.
func encodePeerList(w io.Writer, val interface{}, buf *[8]byte) error {
	peers, ok := val.(*[]PeerID)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "*[]PeerID")
	}

	err := tlv.WriteVarInt(w, uint64(len(*peers)), buf)
	if err != nil {
		return err
	}

	for _, p := range *peers {
		err := tlv.WriteVarInt(w, uint64(len(p)), buf)
		if err != nil {
			return err
		}

		if _, err := w.Write([]byte(p)); err != nil {
			return err
		}
	}

	return nil
}

// decodePeerList is the inverse of encodePeerList.
func decodePeerList(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	peers, ok := val.(*[]PeerID)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "*[]PeerID", l, l)
	}

	lr := io.LimitReader(r, int64(l))

	count, err := tlv.ReadVarInt(lr, buf)
	if err != nil {
		return err
	}

	if count > MaxParticipants {
		return fmt.Errorf("%w: %d participants", ErrInvalidField, count)
	}

	list := make([]PeerID, 0, count)
	for i := uint64(0); i < count; i++ {
		n, err := tlv.ReadVarInt(lr, buf)
		if err != nil {
			return err
		}

		if n == 0 || n > MaxPeerIDLen {
			return fmt.Errorf("%w: peer id length %d",
				ErrInvalidField, n)
		}

		id := make([]byte, n)
		if _, err := io.ReadFull(lr, id); err != nil {
			return err
		}

		list = append(list, PeerID(id))
	}

	*peers = list

	return nil
}

// peerListRecord returns a dynamic record for a list of peer ids.
func peerListRecord(typ tlv.Type, peers *[]PeerID) tlv.Record {
	return tlv.MakeDynamicRecord(
		typ, peers, peerListSize(peers), encodePeerList,
		decodePeerList,
	)
}

// checkPeerID validates a decoded peer id.
func checkPeerID(raw []byte, field string) (PeerID, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingField, field)
	}

	if len(raw) > MaxPeerIDLen {
		return "", fmt.Errorf("%w: %s too long", ErrInvalidField, field)
	}

	return PeerID(raw), nil
}

// encodeStream builds a stream from records and writes it to w.
func encodeStream(w io.Writer, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// decodeStream builds a stream from records and fills them from r.
func decodeStream(r io.Reader, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Decode(r)
}
