// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package musigcore holds the pure MuSig2 protocol logic used by the session
coordinator: key aggregation, per-session nonce generation, partial signature
computation and verification, and aggregation into a final BIP-340 Schnorr
signature.

The package performs no I/O. It never persists or logs key or nonce material.

Key sets are always sorted canonically before aggregation so every
participant derives the same aggregate key regardless of the order it stores
the key shares in.

A SecretNonce can be consumed exactly once. ComputePartialSignature zeroes it
whether signing succeeds or not, and there is no API to read a consumed
nonce back.
*/
package musigcore
