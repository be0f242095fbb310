// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spend

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNotTaproot is returned when the signed input does not spend a
	// taproot output.
	ErrNotTaproot = errors.New("signed input is not pay-to-taproot")

	// ErrBadSignature is returned when the signature does not verify
	// for the signed input.
	ErrBadSignature = errors.New("signature does not verify for input")
)

// Result is the outcome of attaching a signature to a spend.
type Result struct {
	// Packet is the updated packet with the signed input finalized.
	Packet *psbt.Packet

	// Tx is the extracted transaction. It is nil while other inputs of
	// the packet are still unsigned.
	Tx *wire.MsgTx
}

// Assembler turns an aggregated signature into a transaction.
type Assembler struct{}

// NewAssembler creates an assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Assemble verifies sig against the signed input's output key, places it as
// the taproot key-spend signature, finalizes the input and, once every
// input is final, extracts the transaction. The description's packet is
// left untouched.
func (a *Assembler) Assemble(d *Description,
	sig *schnorr.Signature) (*Result, error) {

	msg, err := d.SigHash()
	if err != nil {
		return nil, err
	}

	utxo := d.Packet.Inputs[d.InputIndex].WitnessUtxo
	if !txscript.IsPayToTaproot(utxo.PkScript) {
		return nil, ErrNotTaproot
	}

	outputKey, err := schnorr.ParsePubKey(utxo.PkScript[2:])
	if err != nil {
		return nil, fmt.Errorf("unable to parse output key: %w", err)
	}

	if !sig.Verify(msg[:], outputKey) {
		return nil, ErrBadSignature
	}

	// Work on a copy so the caller's description stays unsigned.
	raw, err := d.Serialize()
	if err != nil {
		return nil, err
	}
	signed, err := Parse(raw, d.InputIndex, d.Memo)
	if err != nil {
		return nil, err
	}
	packet := signed.Packet

	packet.Inputs[d.InputIndex].TaprootKeySpendSig = sig.Serialize()

	ok, err := psbt.MaybeFinalize(packet, int(d.InputIndex))
	if err != nil {
		return nil, fmt.Errorf("error finalizing input %d: %w",
			d.InputIndex, err)
	}
	if !ok {
		return nil, fmt.Errorf("input %d not finalizable", d.InputIndex)
	}

	result := &Result{Packet: packet}
	if !packet.IsComplete() {
		return result, nil
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("error extracting tx: %w", err)
	}
	result.Tx = tx

	return result, nil
}
