// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package spend describes a proposed spend from a shared wallet as a PSBT
// and assembles the final transaction once the aggregated signature exists.
package spend

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

// fingerprintTag is the tag of the hash identifying a spend.
var fingerprintTag = []byte("cosign/spend")

var (
	// ErrInputIndex is returned when the signed input does not exist.
	ErrInputIndex = errors.New("input index out of range")

	// ErrMissingUtxo is returned when an input lacks its witness UTXO.
	// Taproot signature hashes commit to every spent output.
	ErrMissingUtxo = errors.New("input is missing its witness utxo")

	// ErrWrongScript is returned when the signed input does not spend
	// the shared wallet's output script.
	ErrWrongScript = errors.New("input does not spend the wallet script")

	// ErrNoOutputs is returned for a spend without outputs.
	ErrNoOutputs = errors.New("spend has no outputs")

	// ErrDustOutput is returned when an output is below the dust limit.
	ErrDustOutput = errors.New("output is dust")

	// ErrOverspend is returned when outputs exceed the spent value.
	ErrOverspend = errors.New("outputs exceed inputs")
)

// Input is a previous output a spend consumes.
type Input struct {
	// OutPoint identifies the previous output.
	OutPoint wire.OutPoint

	// Utxo is the previous output itself.
	Utxo *wire.TxOut
}

// NewPacket creates an unsigned PSBT spending inputs to outputs with every
// input's witness UTXO filled in.
func NewPacket(inputs []Input, outputs []*wire.TxOut) (*psbt.Packet, error) {
	outPoints := make([]*wire.OutPoint, len(inputs))
	sequences := make([]uint32, len(inputs))
	for i := range inputs {
		outPoints[i] = &inputs[i].OutPoint
		sequences[i] = wire.MaxTxInSequenceNum
	}

	packet, err := psbt.New(outPoints, outputs, 2, 0, sequences)
	if err != nil {
		return nil, err
	}

	for i, in := range inputs {
		packet.Inputs[i].WitnessUtxo = in.Utxo
	}

	return packet, nil
}

// Description is a spend proposal: the packet and the input the shared
// wallet signs.
type Description struct {
	// Packet is the unsigned transaction with its input metadata.
	Packet *psbt.Packet

	// InputIndex is the input spending the shared wallet's output.
	InputIndex uint32

	// Memo is an optional human-readable note.
	Memo string
}

// Parse decodes a serialized PSBT into a description.
func Parse(raw []byte, inputIndex uint32, memo string) (*Description,
	error) {

	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, fmt.Errorf("unable to parse psbt: %w", err)
	}

	d := &Description{
		Packet:     packet,
		InputIndex: inputIndex,
		Memo:       memo,
	}
	if err := d.checkInputs(); err != nil {
		return nil, err
	}

	return d, nil
}

// Serialize returns the binary PSBT encoding of the packet.
func (d *Description) Serialize() ([]byte, error) {
	var b bytes.Buffer
	if err := d.Packet.Serialize(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// checkInputs verifies the signed input exists and every input carries
// its witness UTXO.
func (d *Description) checkInputs() error {
	tx := d.Packet.UnsignedTx
	if int(d.InputIndex) >= len(tx.TxIn) {
		return fmt.Errorf("%w: %d of %d", ErrInputIndex, d.InputIndex,
			len(tx.TxIn))
	}

	for i, in := range d.Packet.Inputs {
		if in.WitnessUtxo == nil {
			return fmt.Errorf("%w: input %d", ErrMissingUtxo, i)
		}
	}

	return nil
}

// Validate checks the spend is well formed and that the signed input pays
// to walletScript.
func (d *Description) Validate(walletScript []byte) error {
	if err := d.checkInputs(); err != nil {
		return err
	}

	signed := d.Packet.Inputs[d.InputIndex].WitnessUtxo
	if !bytes.Equal(signed.PkScript, walletScript) {
		return ErrWrongScript
	}

	tx := d.Packet.UnsignedTx
	if len(tx.TxOut) == 0 {
		return ErrNoOutputs
	}

	var in, out int64
	for _, pIn := range d.Packet.Inputs {
		in += pIn.WitnessUtxo.Value
	}

	for i, txOut := range tx.TxOut {
		if txrules.IsDustOutput(txOut, txrules.DefaultRelayFeePerKb) {
			return fmt.Errorf("%w: output %d (%d sat)", ErrDustOutput,
				i, txOut.Value)
		}
		out += txOut.Value
	}

	if out > in {
		return fmt.Errorf("%w: %d > %d", ErrOverspend, out, in)
	}

	return d.checkFee()
}

// prevOutFetcher returns a fetcher over every input's witness UTXO.
func (d *Description) prevOutFetcher() *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range d.Packet.UnsignedTx.TxIn {
		in := d.Packet.Inputs[idx]
		if in.WitnessUtxo == nil {
			continue
		}

		fetcher.AddPrevOut(txIn.PreviousOutPoint, in.WitnessUtxo)
	}

	return fetcher
}

// SigHash returns the BIP-341 key-spend signature hash of the signed input
// with the default sighash type.
func (d *Description) SigHash() ([32]byte, error) {
	var msg [32]byte
	if err := d.checkInputs(); err != nil {
		return msg, err
	}

	tx := d.Packet.UnsignedTx
	fetcher := d.prevOutFetcher()
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	hash, err := txscript.CalcTaprootSignatureHash(
		sigHashes, txscript.SigHashDefault, tx, int(d.InputIndex),
		fetcher,
	)
	if err != nil {
		return msg, err
	}
	copy(msg[:], hash)

	return msg, nil
}

// Fingerprint identifies the spend independent of its metadata. Two
// proposals with the same fingerprint sign the same transaction input.
func (d *Description) Fingerprint() [32]byte {
	txid := d.Packet.UnsignedTx.TxHash()

	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], d.InputIndex)

	return *chainhash.TaggedHash(fingerprintTag, txid[:], idx[:])
}
