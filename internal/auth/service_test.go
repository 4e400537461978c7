package auth

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cost-watchdog/backend/internal/audit"
	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/kv"
	"github.com/cost-watchdog/backend/internal/metrics"
)

// testHash is a real Argon2id hash of "let-me-in-please", precomputed once
// per package run so every login test does not pay the KDF cost twice.
var testHash = func() string {
	h, err := HashPassword("let-me-in-please")
	if err != nil {
		panic(err)
	}
	return h
}()

type serviceFixture struct {
	svc  *Service
	mock sqlmock.Sqlmock
	kv   kv.Store
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	db := &database.DB{DB: raw}

	store := testKV(t)
	users := database.NewUserRepo(db)
	auditWriter := audit.NewWriter(database.NewAuditRepo(db))
	issuer, err := NewTokenIssuer(testSecret, 15*time.Minute, 7*24*time.Hour)
	require.NoError(t, err)
	sessions := NewSessionStore(store, 7*24*time.Hour)
	lockout := NewLockout(store)
	mfa := newTestMFA(t, users, store)
	m := metrics.New(prometheus.NewRegistry())

	return &serviceFixture{
		svc:  NewService(users, auditWriter, issuer, sessions, lockout, mfa, m),
		mock: mock,
		kv:   store,
	}
}

func userRows(hash string, active bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "password_hash", "role", "allowed_location_ids",
		"allowed_cost_center_ids", "is_active", "deleted_at", "notification_settings", "created_at",
	}).AddRow("u-1", "a@example.com", hash, "admin",
		pq.StringArray{}, pq.StringArray{}, active, nil, []byte("{}"), time.Now())
}

func (f *serviceFixture) expectUserByEmail(hash string, active bool) {
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE email =`).WillReturnRows(userRows(hash, active))
}

func (f *serviceFixture) expectUserByID(hash string, active bool) {
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id =`).WillReturnRows(userRows(hash, active))
}

func (f *serviceFixture) expectNoMfa() {
	f.mock.ExpectQuery(`SELECT .+ FROM mfa_enrollments`).WillReturnError(sql.ErrNoRows)
}

func (f *serviceFixture) expectLoginAttempt() {
	f.mock.ExpectExec(`INSERT INTO login_attempts`).WillReturnResult(sqlmock.NewResult(0, 1))
}

func (f *serviceFixture) expectAudit() {
	f.mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestLoginSuccessEstablishesSession(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.expectUserByEmail(testHash, true)
	f.expectNoMfa()
	f.expectLoginAttempt()
	f.expectAudit()

	res, err := f.svc.Login(ctx, "a@example.com", "let-me-in-please", "", RequestMeta{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, res.Pair)
	assert.False(t, res.MFARequired)

	// The session and token family exist and validate.
	require.NoError(t, f.svc.sessions.Validate(ctx, res.Pair.JTI, "u-1", time.Now()))
	outcome, userID, err := f.svc.sessions.CheckRefresh(ctx, res.Pair.FamilyID, HashToken(res.Pair.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, RefreshValid, outcome)
	assert.Equal(t, "u-1", userID)

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLoginUnknownEmailIsGeneric(t *testing.T) {
	f := newServiceFixture(t)

	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE email =`).WillReturnError(sql.ErrNoRows)
	f.expectLoginAttempt()

	_, err := f.svc.Login(context.Background(), "nobody@example.com", "whatever", "", RequestMeta{})
	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, core.AuthUnauthorized, authErr.Kind)
	assert.Equal(t, invalidCredentials, authErr.Message)
}

func TestLoginWrongPasswordIsGeneric(t *testing.T) {
	f := newServiceFixture(t)

	f.expectUserByEmail(testHash, true)
	f.expectLoginAttempt()

	_, err := f.svc.Login(context.Background(), "a@example.com", "not the password", "", RequestMeta{})
	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	// Identical message for unknown email and wrong password.
	assert.Equal(t, invalidCredentials, authErr.Message)
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.expectUserByEmail(testHash, true)
		f.expectLoginAttempt()
		if i == 4 {
			f.expectAudit() // the lockout event
		}
		_, err := f.svc.Login(ctx, "a@example.com", "wrong", "", RequestMeta{})
		require.Error(t, err)
	}

	// The sixth attempt is rejected before credentials are checked.
	f.expectLoginAttempt()
	_, err := f.svc.Login(ctx, "a@example.com", "let-me-in-please", "", RequestMeta{})
	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, core.AuthAccountLocked, authErr.Kind)
	assert.Equal(t, 900, authErr.RetryAfter)
}

func TestLoginInvalidatesPreAuthTokens(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// A session captured before authentication.
	stale := &Session{JTI: "stale-jti", UserID: "u-1", CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, f.svc.sessions.Create(ctx, stale))
	require.NoError(t, f.svc.sessions.CreateFamily(ctx, "u-1", "stale-fam", "stale-hash"))

	f.expectUserByEmail(testHash, true)
	f.expectNoMfa()
	f.expectLoginAttempt()
	f.expectAudit()
	res, err := f.svc.Login(ctx, "a@example.com", "let-me-in-please", "", RequestMeta{})
	require.NoError(t, err)

	assert.Error(t, f.svc.sessions.Validate(ctx, "stale-jti", "u-1", stale.CreatedAt))
	outcome, _, err := f.svc.sessions.CheckRefresh(ctx, "stale-fam", "stale-hash")
	require.NoError(t, err)
	assert.Equal(t, RefreshUnknown, outcome)

	// The fresh login itself is unaffected.
	require.NoError(t, f.svc.sessions.Validate(ctx, res.Pair.JTI, "u-1", time.Now()))
}

func TestRefreshRotatesAndDetectsReplay(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.expectUserByEmail(testHash, true)
	f.expectNoMfa()
	f.expectLoginAttempt()
	f.expectAudit()
	res, err := f.svc.Login(ctx, "a@example.com", "let-me-in-please", "", RequestMeta{})
	require.NoError(t, err)
	original := res.Pair

	f.expectUserByID(testHash, true)
	rotated, err := f.svc.Refresh(ctx, original.RefreshToken, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, original.FamilyID, rotated.FamilyID)
	assert.NotEqual(t, original.JTI, rotated.JTI)

	// The old access token's session is gone; the new one validates.
	assert.Error(t, f.svc.sessions.Validate(ctx, original.JTI, "u-1", time.Now()))
	require.NoError(t, f.svc.sessions.Validate(ctx, rotated.JTI, "u-1", time.Now()))

	// Replaying the rotated-out refresh token burns everything.
	f.expectUserByID(testHash, true)
	f.expectAudit()
	_, err = f.svc.Refresh(ctx, original.RefreshToken, RequestMeta{})
	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.SecurityEvent)

	assert.Error(t, f.svc.sessions.Validate(ctx, rotated.JTI, "u-1", time.Now()))
	f.expectUserByID(testHash, true)
	_, err = f.svc.Refresh(ctx, rotated.RefreshToken, RequestMeta{})
	assert.Error(t, err)
}

func TestLegacyRefreshTokenAcceptedOnce(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// A pair minted with no family id, as pre-rotation deployments did.
	legacyPair, err := f.svc.issuer.IssuePair(testUser(), "")
	require.NoError(t, err)
	require.NoError(t, f.svc.sessions.Create(ctx, &Session{
		JTI: legacyPair.JTI, UserID: "u-1", CreatedAt: time.Now().UTC(),
	}))

	f.expectUserByID(testHash, true)
	rotated, err := f.svc.Refresh(ctx, legacyPair.RefreshToken, RequestMeta{})
	require.NoError(t, err)
	assert.NotEmpty(t, rotated.FamilyID)

	// Second use fails: the old jti was terminated with the first refresh.
	f.expectUserByID(testHash, true)
	_, err = f.svc.Refresh(ctx, legacyPair.RefreshToken, RequestMeta{})
	assert.Error(t, err)
}

func TestLogoutAllKillsEverything(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.expectUserByEmail(testHash, true)
	f.expectNoMfa()
	f.expectLoginAttempt()
	f.expectAudit()
	res, err := f.svc.Login(ctx, "a@example.com", "let-me-in-please", "", RequestMeta{})
	require.NoError(t, err)

	f.expectAudit()
	require.NoError(t, f.svc.LogoutAll(ctx, "u-1", RequestMeta{}))

	assert.Error(t, f.svc.sessions.Validate(ctx, res.Pair.JTI, "u-1", time.Now()))
	f.expectUserByID(testHash, true)
	_, err = f.svc.Refresh(ctx, res.Pair.RefreshToken, RequestMeta{})
	assert.Error(t, err)
}

// metadataContains matches the audit metadata argument against required
// substrings.
type metadataContains []string

func (m metadataContains) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	for _, sub := range m {
		if !strings.Contains(string(b), sub) {
			return false
		}
	}
	return true
}

func TestTokenTheftAuditCarriesDetectionFlag(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.expectUserByEmail(testHash, true)
	f.expectNoMfa()
	f.expectLoginAttempt()
	f.expectAudit()
	res, err := f.svc.Login(ctx, "a@example.com", "let-me-in-please", "", RequestMeta{})
	require.NoError(t, err)
	original := res.Pair

	f.expectUserByID(testHash, true)
	_, err = f.svc.Refresh(ctx, original.RefreshToken, RequestMeta{})
	require.NoError(t, err)

	// The replay triggers a theft audit whose metadata names the burned
	// family and flags the detection.
	f.expectUserByID(testHash, true)
	f.mock.ExpectExec(`INSERT INTO audit_logs`).
		WithArgs(sqlmock.AnyArg(), "user", "u-1", "auth.token_theft",
			nil, nil, nil, "",
			metadataContains{`"theftDetected":true`, `"family_id":"` + original.FamilyID + `"`},
			"u-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "10.9.9.9", sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err = f.svc.Refresh(ctx, original.RefreshToken, RequestMeta{IPAddress: "10.9.9.9"})
	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.SecurityEvent)
	require.NoError(t, f.mock.ExpectationsWereMet())
}
