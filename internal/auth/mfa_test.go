package auth

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/crypto"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/kv"
)

func newTestMFA(t *testing.T, users *database.UserRepo, store kv.Store) *MFA {
	t.Helper()
	cipher, err := crypto.NewFieldCipher("test-field-key-32-bytes-long!!!!")
	require.NoError(t, err)
	return NewMFA(users, store, cipher, testSecret)
}

func newMFAFixture(t *testing.T) (*MFA, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	users := database.NewUserRepo(&database.DB{DB: raw})
	return newTestMFA(t, users, testKV(t)), mock
}

func (m *MFA) enrollmentRow(secret string, hashes []string) *sqlmock.Rows {
	encrypted, err := m.cipher.Encrypt(secret)
	if err != nil {
		panic(err)
	}
	return sqlmock.NewRows([]string{
		"user_id", "method", "secret_encrypted", "backup_code_hashes", "enrolled_at",
	}).AddRow("u-1", "totp", encrypted, pq.StringArray(hashes), time.Now())
}

func TestEnrollProducesWorkingSecret(t *testing.T) {
	m, mock := newMFAFixture(t)
	mock.ExpectExec(`INSERT INTO mfa_enrollments`).WillReturnResult(sqlmock.NewResult(0, 1))

	enrollment, err := m.Enroll(context.Background(), testUser())
	require.NoError(t, err)

	assert.Len(t, enrollment.BackupCodes, 10)
	assert.Contains(t, enrollment.OtpauthURL, "otpauth://totp/")

	// A code generated from the returned secret verifies against it.
	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)
	assert.True(t, totp.Validate(code, enrollment.Secret))
}

func TestVerifyAcceptsCurrentCode(t *testing.T) {
	m, mock := newMFAFixture(t)
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "x", AccountName: "a@example.com"})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .+ FROM mfa_enrollments`).WillReturnRows(m.enrollmentRow(key.Secret(), nil))

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	require.NoError(t, m.Verify(context.Background(), "u-1", code))
}

func TestVerifyAcceptsAdjacentStep(t *testing.T) {
	m, mock := newMFAFixture(t)
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "x", AccountName: "a@example.com"})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .+ FROM mfa_enrollments`).WillReturnRows(m.enrollmentRow(key.Secret(), nil))

	// One 30 second step behind; the skew of 1 covers it.
	code, err := totp.GenerateCode(key.Secret(), time.Now().Add(-30*time.Second))
	require.NoError(t, err)
	require.NoError(t, m.Verify(context.Background(), "u-1", code))
}

func TestVerifyCountsFailuresAndFlagsFifth(t *testing.T) {
	m, mock := newMFAFixture(t)
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "x", AccountName: "a@example.com"})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		mock.ExpectQuery(`SELECT .+ FROM mfa_enrollments`).WillReturnRows(m.enrollmentRow(key.Secret(), nil))
		err := m.Verify(context.Background(), "u-1", "000000")
		var authErr *core.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, i >= 5, authErr.SecurityEvent, "attempt %d", i)
	}
}

func TestVerifyBackupCodeConsumesIt(t *testing.T) {
	m, mock := newMFAFixture(t)
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "x", AccountName: "a@example.com"})
	require.NoError(t, err)

	code := "a1b2c3d4e5"
	hash := m.hashBackupCode(code)

	mock.ExpectQuery(`SELECT .+ FROM mfa_enrollments`).WillReturnRows(m.enrollmentRow(key.Secret(), []string{hash}))
	mock.ExpectExec(`UPDATE mfa_enrollments`).WithArgs("u-1", hash).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, m.Verify(context.Background(), "u-1", code))

	// Second redemption of the same code fails.
	mock.ExpectQuery(`SELECT .+ FROM mfa_enrollments`).WillReturnRows(m.enrollmentRow(key.Secret(), nil))
	mock.ExpectExec(`UPDATE mfa_enrollments`).WithArgs("u-1", hash).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.Error(t, m.Verify(context.Background(), "u-1", code))
}

func TestVerifyWithoutEnrollmentFails(t *testing.T) {
	m, mock := newMFAFixture(t)
	mock.ExpectQuery(`SELECT .+ FROM mfa_enrollments`).WillReturnError(sql.ErrNoRows)
	assert.Error(t, m.Verify(context.Background(), "u-1", "000000"))
}

func TestDisableRequiresPassword(t *testing.T) {
	m, _ := newMFAFixture(t)
	user := &core.User{ID: "u-1", Role: core.RoleViewer, PasswordHash: testHash}

	err := m.Disable(context.Background(), user, "not the password")
	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, core.AuthUnauthorized, authErr.Kind)
}

func TestDisableForbiddenForAdmins(t *testing.T) {
	m, _ := newMFAFixture(t)
	user := &core.User{ID: "u-1", Role: core.RoleAdmin, PasswordHash: testHash}

	err := m.Disable(context.Background(), user, "let-me-in-please")
	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, core.AuthForbidden, authErr.Kind)
}

func TestDisableDeletesEnrollment(t *testing.T) {
	m, mock := newMFAFixture(t)
	user := &core.User{ID: "u-1", Role: core.RoleViewer, PasswordHash: testHash}

	mock.ExpectExec(`DELETE FROM mfa_enrollments`).WithArgs("u-1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, m.Disable(context.Background(), user, "let-me-in-please"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifySealsLegacyPlaintextSecret(t *testing.T) {
	m, mock := newMFAFixture(t)
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "x", AccountName: "a@example.com"})
	require.NoError(t, err)

	// A pre-encryption enrollment stores the secret bare. The first
	// verification re-encrypts it in place.
	mock.ExpectQuery(`SELECT .+ FROM mfa_enrollments`).
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "method", "secret_encrypted", "backup_code_hashes", "enrolled_at",
		}).AddRow("u-1", "totp", key.Secret(), pq.StringArray(nil), time.Now()))
	mock.ExpectExec(`INSERT INTO mfa_enrollments`).
		WithArgs("u-1", "totp", sealedSecret{cipher: m.cipher, want: key.Secret()},
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	require.NoError(t, m.Verify(context.Background(), "u-1", code))
	require.NoError(t, mock.ExpectationsWereMet())
}

// sealedSecret matches a secret argument that is encrypted and opens to the
// expected plaintext.
type sealedSecret struct {
	cipher *crypto.FieldCipher
	want   string
}

func (s sealedSecret) Match(v driver.Value) bool {
	str, ok := v.(string)
	if !ok {
		return false
	}
	if !crypto.IsEncrypted(str) {
		return false
	}
	plain, migrate, err := s.cipher.Decrypt(str)
	return err == nil && !migrate && plain == s.want
}
