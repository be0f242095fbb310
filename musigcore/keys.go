// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package musigcore

import (
	"bytes"
	"errors"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

var (
	// ErrTooFewKeys is returned when fewer than two keys are aggregated.
	ErrTooFewKeys = errors.New("at least two keys are required")

	// ErrDuplicateKey is returned when a key appears twice in a key set.
	ErrDuplicateKey = errors.New("duplicate key in key set")

	// ErrNilKey is returned when a key set contains a nil key.
	ErrNilKey = errors.New("nil key in key set")
)

// AggregateKey is the MuSig2 aggregate of a canonical key set.
type AggregateKey struct {
	// FinalKey is the aggregated public key the group signs for.
	FinalKey *btcec.PublicKey

	// keys is the canonically sorted key set.
	keys []*btcec.PublicKey
}

// SortKeys returns a copy of keys in canonical order, by compressed
// encoding.
func SortKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	sorted := make([]*btcec.PublicKey, len(keys))
	copy(sorted, keys)

	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(
			sorted[i].SerializeCompressed(),
			sorted[j].SerializeCompressed(),
		) < 0
	})

	return sorted
}

// AggregateKeys aggregates a key set. The result does not depend on the
// order of keys.
func AggregateKeys(keys []*btcec.PublicKey) (*AggregateKey, error) {
	if len(keys) < 2 {
		return nil, ErrTooFewKeys
	}

	for _, k := range keys {
		if k == nil {
			return nil, ErrNilKey
		}
	}

	sorted := SortKeys(keys)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].IsEqual(sorted[i-1]) {
			return nil, ErrDuplicateKey
		}
	}

	agg, _, _, err := musig2.AggregateKeys(sorted, true)
	if err != nil {
		return nil, err
	}

	return &AggregateKey{
		FinalKey: agg.FinalKey,
		keys:     sorted,
	}, nil
}

// Keys returns a copy of the canonical key set.
func (a *AggregateKey) Keys() []*btcec.PublicKey {
	keys := make([]*btcec.PublicKey, len(a.keys))
	copy(keys, a.keys)

	return keys
}

// Contains returns whether key is part of the key set.
func (a *AggregateKey) Contains(key *btcec.PublicKey) bool {
	for _, k := range a.keys {
		if k.IsEqual(key) {
			return true
		}
	}

	return false
}

// XOnly returns the BIP-340 x-only encoding of the final key.
func (a *AggregateKey) XOnly() []byte {
	return schnorr.SerializePubKey(a.FinalKey)
}
