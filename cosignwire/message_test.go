// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cosignwire

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/stretchr/testify/require"
)

// newTestKey returns a fresh public key.
func newTestKey(t *testing.T) *btcec.PublicKey {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv.PubKey()
}

// TestSigningRequestRoundTrip verifies that the request, which carries the
// only custom record of the message set, survives framing intact.
func TestSigningRequestRoundTrip(t *testing.T) {
	t.Parallel()

	// Arrange: Build a request with every field populated.
	req := &SigningRequest{
		RequestID:    RequestID{1, 2, 3},
		WalletID:     [32]byte{9},
		AggregateKey: newTestKey(t),
		Requester:    "alice",
		Targets:      []PeerID{"alice", "bob", "carol"},
		Psbt:         []byte("psbt\xff"),
		InputIndex:   2,
		CreatedAt:    time.Unix(0, 1_700_000_000_000_000_000),
		Memo:         "rent",
	}

	// Act: Serialize and parse it back.
	raw, err := Serialize(req)
	require.NoError(t, err)

	msg, err := Deserialize(raw)
	require.NoError(t, err)

	// Assert: The parsed message matches the original.
	got, ok := msg.(*SigningRequest)
	require.True(t, ok)
	require.Equal(t, req.RequestID, got.RequestID)
	require.Equal(t, req.Targets, got.Targets)
	require.True(t, req.AggregateKey.IsEqual(got.AggregateKey))
	require.Equal(t, req.Psbt, got.Psbt)
	require.Equal(t, req.InputIndex, got.InputIndex)
	require.True(t, req.CreatedAt.Equal(got.CreatedAt))
	require.Equal(t, req.Memo, got.Memo)
}

// TestSessionMessagesRoundTrip exercises the round one/two messages and the
// abort through the frame codec.
func TestSessionMessagesRoundTrip(t *testing.T) {
	t.Parallel()

	nonce := &NonceCommitment{SessionID: RequestID{7}}
	nonce.Nonce[0] = 0x02
	nonce.Nonce[65] = 0xaa

	msgs := []Message{
		nonce,
		&PartialSignature{SessionID: RequestID{7}, Sig: [32]byte{5}},
		&SessionAbort{SessionID: RequestID{7}, Reason: 4,
			Culprit: "carol"},
		&SigningResponse{RequestID: RequestID{7}, Responder: "bob",
			Accept: true},
		&SignerAdvertisement{
			PeerID: "dave", AdvertKey: newTestKey(t),
			KeyShare: newTestKey(t), Capabilities: CapCoSign,
			Timestamp: time.Unix(100, 0),
		},
	}

	var stream bytes.Buffer
	for _, m := range msgs {
		require.NoError(t, WriteMessage(&stream, m))
	}

	// Act & Assert: Messages come back in order with the right type.
	for _, want := range msgs {
		got, err := ReadMessage(&stream)
		require.NoError(t, err)
		require.Equal(t, want.MsgType(), got.MsgType())

		if want.MsgType() == MsgSignerAdvertisement {
			ad := got.(*SignerAdvertisement)
			require.True(t, ad.Capabilities.Has(CapCoSign))
			require.Equal(t, PeerID("dave"), ad.PeerID)

			continue
		}

		require.Equal(t, want, got)
	}

	require.Zero(t, stream.Len())
}

// TestReadMessageRejects verifies that malformed frames are refused.
func TestReadMessageRejects(t *testing.T) {
	t.Parallel()

	// Unknown type.
	_, err := Deserialize([]byte{0x00, 0x63, 0x00})
	require.ErrorIs(t, err, ErrUnknownMessage)

	// A nonce of the wrong size.
	id := [32]byte{}
	short := []byte{1, 2, 3}

	var payload bytes.Buffer
	err = encodeStream(&payload,
		tlv.MakePrimitiveRecord(typeNonceSession, &id),
		tlv.MakePrimitiveRecord(typeNonceValue, &short),
	)
	require.NoError(t, err)

	var frame bytes.Buffer
	frame.Write([]byte{0x00, byte(MsgNonceCommitment)})
	frame.WriteByte(byte(payload.Len()))
	frame.Write(payload.Bytes())

	_, err = Deserialize(frame.Bytes())
	require.ErrorIs(t, err, ErrInvalidField)

	// Trailing garbage after a valid frame.
	raw, err := Serialize(&PartialSignature{})
	require.NoError(t, err)

	_, err = Deserialize(append(raw, 0x00))
	require.ErrorIs(t, err, ErrInvalidField)

	// Mandatory fields are enforced on encode.
	_, err = Serialize(&SigningResponse{})
	require.ErrorIs(t, err, ErrMissingField)
}
