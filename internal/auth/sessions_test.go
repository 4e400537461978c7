package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cost-watchdog/backend/internal/kv"
)

func testKV(t *testing.T) kv.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return kv.NewRedisStoreFromClient(rdb)
}

func testSessions(t *testing.T) *SessionStore {
	t.Helper()
	return NewSessionStore(testKV(t), 7*24*time.Hour)
}

func TestSessionLifecycle(t *testing.T) {
	s := testSessions(t)
	ctx := context.Background()

	sess := &Session{JTI: "jti-1", UserID: "u-1", FamilyID: "fam-1", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Create(ctx, sess))

	got, err := s.Get(ctx, "jti-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u-1", got.UserID)

	require.NoError(t, s.Validate(ctx, "jti-1", "u-1", time.Now()))

	require.NoError(t, s.Terminate(ctx, "jti-1"))
	err = s.Validate(ctx, "jti-1", "u-1", time.Now())
	assert.Error(t, err)

	got, err = s.Get(ctx, "jti-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestValidateRejectsBlacklistedJTI(t *testing.T) {
	s := testSessions(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Session{JTI: "jti-1", UserID: "u-1", CreatedAt: time.Now().UTC()}))
	require.NoError(t, s.Terminate(ctx, "jti-1"))

	// Blacklist entry outlives session deletion, so a recreated session key
	// with the same jti would still be rejected.
	require.NoError(t, s.kv.SetEx(ctx, keySession("jti-1"), "{}", time.Hour))
	assert.Error(t, s.Validate(ctx, "jti-1", "u-1", time.Now()))
}

func TestTerminateAllInvalidatesOlderTokens(t *testing.T) {
	s := testSessions(t)
	ctx := context.Background()

	issuedBefore := time.Now().Add(-time.Hour)
	require.NoError(t, s.Create(ctx, &Session{JTI: "jti-1", UserID: "u-1", CreatedAt: issuedBefore}))
	require.NoError(t, s.Create(ctx, &Session{JTI: "jti-2", UserID: "u-1", CreatedAt: issuedBefore}))

	require.NoError(t, s.TerminateAll(ctx, "u-1"))

	assert.Error(t, s.Validate(ctx, "jti-1", "u-1", issuedBefore))
	assert.Error(t, s.Validate(ctx, "jti-2", "u-1", issuedBefore))

	// Even a token whose session key somehow survived is caught by the
	// user-wide issued-before cutoff.
	require.NoError(t, s.kv.SetEx(ctx, keySession("jti-3"), "{}", time.Hour))
	assert.Error(t, s.Validate(ctx, "jti-3", "u-1", issuedBefore))

	sessions, err := s.List(ctx, "u-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRefreshRotationOutcomes(t *testing.T) {
	s := testSessions(t)
	ctx := context.Background()

	require.NoError(t, s.CreateFamily(ctx, "u-1", "fam-1", "hash-a"))

	outcome, userID, err := s.CheckRefresh(ctx, "fam-1", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, RefreshValid, outcome)
	assert.Equal(t, "u-1", userID)

	require.NoError(t, s.Rotate(ctx, "fam-1", "hash-a", "hash-b"))

	outcome, _, err = s.CheckRefresh(ctx, "fam-1", "hash-b")
	require.NoError(t, err)
	assert.Equal(t, RefreshValid, outcome)

	// Presenting the rotated-out hash again is the theft signal.
	outcome, userID, err = s.CheckRefresh(ctx, "fam-1", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, RefreshReplay, outcome)
	assert.Equal(t, "u-1", userID)

	outcome, _, err = s.CheckRefresh(ctx, "fam-1", "hash-never-seen")
	require.NoError(t, err)
	assert.Equal(t, RefreshUnknown, outcome)

	outcome, _, err = s.CheckRefresh(ctx, "fam-unknown", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, RefreshUnknown, outcome)
}

func TestInvalidateAllFamiliesDropsState(t *testing.T) {
	s := testSessions(t)
	ctx := context.Background()

	require.NoError(t, s.CreateFamily(ctx, "u-1", "fam-1", "hash-a"))
	require.NoError(t, s.CreateFamily(ctx, "u-1", "fam-2", "hash-b"))
	require.NoError(t, s.Rotate(ctx, "fam-1", "hash-a", "hash-c"))

	require.NoError(t, s.InvalidateAllFamilies(ctx, "u-1"))

	for _, hash := range []string{"hash-a", "hash-b", "hash-c"} {
		outcome, _, err := s.CheckRefresh(ctx, "fam-1", hash)
		require.NoError(t, err)
		assert.Equal(t, RefreshUnknown, outcome)
	}
}
