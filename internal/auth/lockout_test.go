package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockoutAfterFiveFailures(t *testing.T) {
	l := NewLockout(testKV(t))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		state, err := l.RecordFailure(ctx, "A@Example.com")
		require.NoError(t, err)
		assert.False(t, state.Locked, "attempt %d must not lock", i+1)
	}

	state, err := l.RecordFailure(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, state.Locked)
	assert.False(t, state.Permanent)
	assert.Equal(t, 900, state.RetryAfter)

	// Lookup is case insensitive and the lock is visible to Check.
	state, err = l.Check(ctx, "A@EXAMPLE.COM")
	require.NoError(t, err)
	assert.True(t, state.Locked)
	assert.Greater(t, state.RetryAfter, 0)
	assert.LessOrEqual(t, state.RetryAfter, 900)
}

func TestLockoutDurationGrowsPerLock(t *testing.T) {
	l := NewLockout(testKV(t))
	ctx := context.Background()

	lock := func() LockState {
		t.Helper()
		var state LockState
		var err error
		for i := 0; i < 5; i++ {
			state, err = l.RecordFailure(ctx, "a@example.com")
			require.NoError(t, err)
		}
		require.True(t, state.Locked)
		return state
	}

	first := lock()
	assert.Equal(t, 900, first.RetryAfter)

	second := lock()
	assert.False(t, second.Permanent)
	assert.Equal(t, 1800, second.RetryAfter)

	third := lock()
	assert.True(t, third.Permanent)

	state, err := l.Check(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, state.Locked)
	assert.True(t, state.Permanent)

	// Only an admin clears a permanent lock.
	require.NoError(t, l.AdminUnlock(ctx, "a@example.com"))
	state, err = l.Check(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, state.Locked)
}

func TestLockoutResetClearsFailures(t *testing.T) {
	l := NewLockout(testKV(t))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.RecordFailure(ctx, "a@example.com")
		require.NoError(t, err)
	}
	require.NoError(t, l.Reset(ctx, "a@example.com"))

	// The counter starts over, so four more failures still do not lock.
	for i := 0; i < 4; i++ {
		state, err := l.RecordFailure(ctx, "a@example.com")
		require.NoError(t, err)
		assert.False(t, state.Locked)
	}
}
