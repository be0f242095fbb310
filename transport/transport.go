// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package transport defines the contract between the co-signing components
// and the peer-to-peer overlay, and provides an in-memory overlay.
//
// The overlay itself, its encryption and NAT traversal, live outside this
// module. Components only need addressed delivery to a peer, topic
// broadcast, and inbound connection and message events.
package transport

import (
	"context"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
)

// Adapter sends messages into the overlay.
type Adapter interface {
	// Send delivers msg to peer. A delivery failure is reported as a
	// cosignerr.ErrPeerUnreachable error.
	Send(ctx context.Context, peer cosignwire.PeerID,
		msg cosignwire.Message) error

	// Broadcast gossips msg to every subscriber of topic.
	Broadcast(ctx context.Context, topic string,
		msg cosignwire.Message) error
}

// Handler consumes inbound overlay events.
type Handler interface {
	// PeerConnected is called when a peer becomes reachable.
	PeerConnected(peer cosignwire.PeerID)

	// PeerDisconnected is called when a peer becomes unreachable.
	PeerDisconnected(peer cosignwire.PeerID)

	// MessageReceived is called for every inbound message. from is the
	// authenticated sender.
	MessageReceived(from cosignwire.PeerID, msg cosignwire.Message)
}
