// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spend

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

const (
	// segwitHeaderWeight is the weight of the segwit marker and flag.
	segwitHeaderWeight = 2

	// keySpendWitnessWeight is the weight of a taproot key-spend witness:
	// the item count, the length prefix and a 64-byte signature.
	keySpendWitnessWeight = 1 + 1 + 64
)

// ErrFeeTooLow is returned when the spend pays less than the minimum relay
// fee for its estimated size.
var ErrFeeTooLow = errors.New("fee below minimum relay fee")

// Summary is what a participant looks at before accepting a spend.
type Summary struct {
	// Fee is the value of the inputs not paid to outputs.
	Fee btcutil.Amount

	// Weight is the estimated weight of the signed transaction.
	Weight int64

	// VSize is the estimated virtual size of the signed transaction.
	VSize int64

	// FeeRate is the fee per kilo-virtual-byte.
	FeeRate btcutil.Amount
}

// String returns a human readable summary.
func (s Summary) String() string {
	return fmt.Sprintf("fee %v, %d vb, %v/kvb", s.Fee, s.VSize, s.FeeRate)
}

// Summarize estimates the size and fee of the signed spend, assuming every
// input is a taproot key spend.
func (d *Description) Summarize() (*Summary, error) {
	if err := d.checkInputs(); err != nil {
		return nil, err
	}

	tx := d.Packet.UnsignedTx

	var in, out int64
	for _, pIn := range d.Packet.Inputs {
		if pIn.WitnessUtxo == nil {
			return nil, ErrMissingUtxo
		}
		in += pIn.WitnessUtxo.Value
	}
	for _, txOut := range tx.TxOut {
		out += txOut.Value
	}

	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx)) +
		segwitHeaderWeight +
		int64(len(tx.TxIn))*keySpendWitnessWeight

	vsize := (weight + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor

	fee := btcutil.Amount(in - out)

	return &Summary{
		Fee:     fee,
		Weight:  weight,
		VSize:   vsize,
		FeeRate: fee * 1000 / btcutil.Amount(vsize),
	}, nil
}

// checkFee refuses spends paying less than the default relay fee.
func (d *Description) checkFee() error {
	s, err := d.Summarize()
	if err != nil {
		return err
	}

	minFee := txrules.FeeForSerializeSize(
		txrules.DefaultRelayFeePerKb, int(s.VSize),
	)
	if s.Fee < minFee {
		return fmt.Errorf("%w: %v < %v", ErrFeeTooLow, s.Fee, minFee)
	}

	return nil
}
