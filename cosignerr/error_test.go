// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cosignerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var errInner = errors.New("inner")

// TestErrorMatching verifies that coded errors survive wrapping and can be
// matched both by IsError and errors.Is.
func TestErrorMatching(t *testing.T) {
	t.Parallel()

	// Arrange: Wrap a coded error twice.
	base := New(ErrInvalidPartialSignature, "carol", "bad sig", errInner)
	wrapped := fmt.Errorf("session x: %w", base)

	// Assert: The code, peer and inner error are all recoverable.
	require.True(t, IsError(wrapped, ErrInvalidPartialSignature))
	require.False(t, IsError(wrapped, ErrProtocolViolation))
	require.ErrorIs(t, wrapped, ErrInvalidPartialSignature)
	require.ErrorIs(t, wrapped, errInner)
	require.Equal(t, ErrInvalidPartialSignature, CodeOf(wrapped))
	require.Equal(t, "carol", PeerOf(wrapped))
	require.Contains(t, wrapped.Error(), "peer=carol")

	// A plain error carries no code.
	require.Equal(t, ErrUnknown, CodeOf(errInner))
	require.Empty(t, PeerOf(errInner))
}

// TestErrorCodeString verifies the stringer, including unknown codes.
func TestErrorCodeString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ErrRequestTimeout", ErrRequestTimeout.String())
	require.Equal(t, "Unknown ErrorCode (200)", ErrorCode(200).String())
}
