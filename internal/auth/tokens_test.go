package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cost-watchdog/backend/internal/core"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	ti, err := NewTokenIssuer(testSecret, 15*time.Minute, 7*24*time.Hour)
	require.NoError(t, err)
	return ti
}

func testUser() *core.User {
	return &core.User{ID: "u-1", Email: "a@example.com", Role: core.RoleAdmin, IsActive: true}
}

func TestNewTokenIssuerRejectsShortSecret(t *testing.T) {
	_, err := NewTokenIssuer("short", time.Minute, time.Hour)
	var fatal *core.FatalConfigError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "AUTH_SECRET", fatal.Name)
}

func TestIssuePairSharesJTI(t *testing.T) {
	ti := testIssuer(t)
	pair, err := ti.IssuePair(testUser(), "fam-1")
	require.NoError(t, err)

	access, err := ti.Parse(pair.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	refresh, err := ti.Parse(pair.RefreshToken, TokenTypeRefresh)
	require.NoError(t, err)

	assert.Equal(t, pair.JTI, access.ID)
	assert.Equal(t, access.ID, refresh.ID)
	assert.Equal(t, "u-1", access.UserID)
	assert.Equal(t, core.RoleAdmin, access.Role)

	// The family id travels on the refresh token only.
	assert.Empty(t, access.FamilyID)
	assert.Equal(t, "fam-1", refresh.FamilyID)
}

func TestParseRejectsWrongTokenType(t *testing.T) {
	ti := testIssuer(t)
	pair, err := ti.IssuePair(testUser(), "fam-1")
	require.NoError(t, err)

	_, err = ti.Parse(pair.AccessToken, TokenTypeRefresh)
	assert.Error(t, err)
	_, err = ti.Parse(pair.RefreshToken, TokenTypeAccess)
	assert.Error(t, err)
}

func TestParseRejectsForeignSignature(t *testing.T) {
	ti := testIssuer(t)
	other, err := NewTokenIssuer("another-secret-that-is-long-enough!!", time.Minute, time.Hour)
	require.NoError(t, err)

	pair, err := other.IssuePair(testUser(), "")
	require.NoError(t, err)

	_, err = ti.Parse(pair.AccessToken, TokenTypeAccess)
	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, core.AuthUnauthorized, authErr.Kind)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	ti := testIssuer(t)
	pair, err := ti.IssuePair(testUser(), "")
	require.NoError(t, err)

	ti.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	_, err = ti.Parse(pair.AccessToken, TokenTypeAccess)
	assert.Error(t, err)

	// The refresh token outlives the access token.
	_, err = ti.Parse(pair.RefreshToken, TokenTypeRefresh)
	assert.NoError(t, err)
}
