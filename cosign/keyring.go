// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cosign

import (
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/coordinator"
	"github.com/btcsuite/btcd/btcec/v2"
)

// SingleKey is a KeyRing holding one key share used for every shared
// wallet of the peer.
type SingleKey struct {
	key *btcec.PrivateKey
}

// A compile time check to ensure SingleKey implements coordinator.KeyRing.
var _ coordinator.KeyRing = (*SingleKey)(nil)

// NewSingleKey returns a KeyRing for key.
func NewSingleKey(key *btcec.PrivateKey) *SingleKey {
	return &SingleKey{key: key}
}

// SigningKey returns the key share. The coordinator checks that it belongs
// to the wallet.
func (k *SingleKey) SigningKey([32]byte) (*btcec.PrivateKey, error) {
	return k.key, nil
}

// PubKey returns the public half of the key share.
func (k *SingleKey) PubKey() *btcec.PublicKey {
	return k.key.PubKey()
}
