// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package deadline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestExpired verifies expiry ordering, removal and cancellation.
func TestExpired(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)

	s := New[string]()
	s.Schedule("late", now.Add(2*time.Minute))
	s.Schedule("b", now.Add(time.Minute))
	s.Schedule("a", now.Add(30*time.Second))
	s.Schedule("gone", now.Add(time.Second))

	require.True(t, s.Cancel("gone"))
	require.False(t, s.Cancel("gone"))

	require.Empty(t, s.Expired(now))

	// Rescheduling replaces the earlier deadline.
	s.Schedule("late", now.Add(time.Hour))

	require.Equal(t, []string{"a", "b"}, s.Expired(now.Add(time.Minute)))
	require.Empty(t, s.Expired(now.Add(time.Minute)))
	require.Empty(t, s.Expired(now.Add(time.Hour-time.Second)))

	require.Equal(t, []string{"late"}, s.Expired(now.Add(time.Hour)))
	require.Empty(t, s.Expired(now.Add(2*time.Hour)))
	require.False(t, s.Cancel("late"))
}
