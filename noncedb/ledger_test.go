// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package noncedb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// openTestLedger opens a ledger in a temporary directory.
func openTestLedger(t *testing.T, dir string) *Ledger {
	t.Helper()

	l, err := Open(dir, time.Second)
	require.NoError(t, err)

	return l
}

// TestReserveRefusesReuse verifies a session id can only be reserved once
// and counters never repeat.
func TestReserveRefusesReuse(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t, t.TempDir())
	t.Cleanup(func() { require.NoError(t, l.Close()) })

	now := time.Unix(1_700_000_000, 0)

	c1, err := l.Reserve([32]byte{1}, now)
	require.NoError(t, err)

	c2, err := l.Reserve([32]byte{2}, now)
	require.NoError(t, err)
	require.Greater(t, c2, c1)

	_, err = l.Reserve([32]byte{1}, now)
	require.ErrorIs(t, err, ErrNonceReuse)

	// Consumed entries still block reuse.
	require.NoError(t, l.Consume([32]byte{1}, now))
	_, err = l.Reserve([32]byte{1}, now)
	require.ErrorIs(t, err, ErrNonceReuse)
}

// TestConsume verifies state transitions and lookups.
func TestConsume(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t, t.TempDir())
	t.Cleanup(func() { require.NoError(t, l.Close()) })

	now := time.Unix(1_700_000_000, 0)
	id := [32]byte{7}

	err := l.Consume(id, now)
	require.ErrorIs(t, err, ErrUnknownSession)

	counter, err := l.Reserve(id, now)
	require.NoError(t, err)

	entry, err := l.Lookup(id)
	require.NoError(t, err)
	require.Equal(t, StateReserved, entry.State)
	require.Equal(t, counter, entry.Counter)
	require.True(t, entry.ConsumedAt.IsZero())

	later := now.Add(time.Minute)
	require.NoError(t, l.Consume(id, later))
	require.NoError(t, l.Consume(id, later.Add(time.Hour)))

	entry, err = l.Lookup(id)
	require.NoError(t, err)
	require.Equal(t, StateConsumed, entry.State)
	require.Equal(t, later.Unix(), entry.ConsumedAt.Unix())
}

// TestReopenPreservesLedger verifies reservations and the counter survive a
// restart and stale reservations are consumed on start up.
func TestReopenPreservesLedger(t *testing.T) {
	t.Parallel()

	// Arrange: Reserve two sessions and consume one.
	dir := t.TempDir()
	now := time.Unix(1_700_000_000, 0)

	l := openTestLedger(t, dir)
	c1, err := l.Reserve([32]byte{1}, now)
	require.NoError(t, err)
	_, err = l.Reserve([32]byte{2}, now)
	require.NoError(t, err)
	require.NoError(t, l.Consume([32]byte{1}, now))
	require.NoError(t, l.Close())

	// Act: Reopen.
	l = openTestLedger(t, dir)
	t.Cleanup(func() { require.NoError(t, l.Close()) })

	// Assert: Both ids are still refused and the counter moved on.
	_, err = l.Reserve([32]byte{1}, now)
	require.ErrorIs(t, err, ErrNonceReuse)
	_, err = l.Reserve([32]byte{2}, now)
	require.ErrorIs(t, err, ErrNonceReuse)

	c3, err := l.Reserve([32]byte{3}, now)
	require.NoError(t, err)
	require.Greater(t, c3, c1+1)

	n, err := l.ConsumeStale(now)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	entry, err := l.Lookup([32]byte{2})
	require.NoError(t, err)
	require.Equal(t, StateConsumed, entry.State)
}
