// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cosignerr defines the error taxonomy shared by the signer
// directory, the request negotiator and the session coordinator.
//
// Every failure is scoped to a single request or session. The error code is
// the value that travels on the wire inside a SessionAbort message, so codes
// must never be renumbered.
package cosignerr

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of co-signing error.
type ErrorCode uint8

// These constants are used to identify a specific Error.
const (
	// ErrUnknown is used for abort reasons this version does not
	// understand.
	ErrUnknown ErrorCode = iota

	// ErrInvalidWallet indicates the wallet's participant set could not
	// be resolved, or resolved to a key set that disagrees with the one
	// the remote side used. It is raised before any network activity.
	ErrInvalidWallet

	// ErrRequestTimeout indicates a signing request was not fully
	// accepted within the request window. No cryptographic state exists
	// at this point.
	ErrRequestTimeout

	// ErrProtocolViolation indicates a malformed, duplicate-but-different
	// or out-of-order protocol message.
	ErrProtocolViolation

	// ErrInvalidPartialSignature indicates a participant's partial
	// signature failed individual verification.
	ErrInvalidPartialSignature

	// ErrPeerUnreachable indicates a transport level delivery failure. It
	// is a warning, the session keeps waiting for its timeout.
	ErrPeerUnreachable

	// ErrSessionTimeout indicates a session saw no activity for the
	// inactivity window.
	ErrSessionTimeout

	// ErrSessionCancelled indicates the local user cancelled the session.
	ErrSessionCancelled

	// ErrRequestRejected indicates a participant rejected the request.
	ErrRequestRejected

	// ErrNonceReuse indicates the nonce ledger refused to hand out nonce
	// material for a session that already had some.
	ErrNonceReuse
)

// errorCodeStrings maps error codes to their human readable names.
var errorCodeStrings = map[ErrorCode]string{
	ErrUnknown:                 "ErrUnknown",
	ErrInvalidWallet:           "ErrInvalidWallet",
	ErrRequestTimeout:          "ErrRequestTimeout",
	ErrProtocolViolation:       "ErrProtocolViolation",
	ErrInvalidPartialSignature: "ErrInvalidPartialSignature",
	ErrPeerUnreachable:         "ErrPeerUnreachable",
	ErrSessionTimeout:          "ErrSessionTimeout",
	ErrSessionCancelled:        "ErrSessionCancelled",
	ErrRequestRejected:         "ErrRequestRejected",
	ErrNonceReuse:              "ErrNonceReuse",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s, ok := errorCodeStrings[e]; ok {
		return s
	}

	return fmt.Sprintf("Unknown ErrorCode (%d)", uint8(e))
}

// Error satisfies the error interface so a bare code can be used as an
// errors.Is target.
func (e ErrorCode) Error() string {
	return e.String()
}

// Error provides a single type for errors that can happen during request
// negotiation and session coordination. Peer is the offending participant
// when it could be determined.
type Error struct {
	// ErrorCode is the kind of error.
	ErrorCode ErrorCode

	// Peer is the participant the error is attributed to. It is empty
	// when no participant can be blamed.
	Peer string

	// Description is a human-readable description of the error.
	Description string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	msg := e.Description
	if e.Peer != "" {
		msg = fmt.Sprintf("%s (peer=%s)", msg, e.Peer)
	}

	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the same error code. This lets callers use
// errors.Is(err, cosignerr.ErrProtocolViolation).
func (e Error) Is(target error) bool {
	code, ok := target.(ErrorCode)
	if !ok {
		return false
	}

	return code == e.ErrorCode
}

// New creates an Error with the given code and description.
func New(code ErrorCode, peer, desc string, err error) Error {
	return Error{
		ErrorCode:   code,
		Peer:        peer,
		Description: desc,
		Err:         err,
	}
}

// IsError returns whether err is an Error with a matching error code.
func IsError(err error, code ErrorCode) bool {
	var e Error
	if !errors.As(err, &e) {
		return false
	}

	return e.ErrorCode == code
}

// CodeOf returns the error code carried by err, or ErrUnknown.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.ErrorCode
	}

	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}

	return ErrUnknown
}

// PeerOf returns the participant err is attributed to, if any.
func PeerOf(err error) string {
	var e Error
	if errors.As(err, &e) {
		return e.Peer
	}

	return ""
}
