package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/crypto"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/kv"
)

const (
	totpIssuerName  = "Cost Watchdog"
	totpPeriod      = 30
	backupCodeCount = 10
	backupCodeBytes = 5 // 10 hex chars per code

	mfaFailLimit  = 5
	mfaFailWindow = 15 * time.Minute
)

func keyMfaFailures(userID string) string { return "mfa:fail:" + userID }

// Enrollment is handed to the user exactly once. The secret and backup
// codes are never readable again afterwards.
type Enrollment struct {
	Secret      string
	OtpauthURL  string
	BackupCodes []string
}

// MFA manages TOTP enrollment and verification. Secrets are stored
// encrypted; backup codes are stored as peppered hashes so a database
// dump alone cannot redeem them.
type MFA struct {
	users  *database.UserRepo
	kv     kv.Store
	cipher *crypto.FieldCipher
	pepper []byte
	now    func() time.Time
}

func NewMFA(users *database.UserRepo, store kv.Store, cipher *crypto.FieldCipher, authSecret string) *MFA {
	pepper := sha256.Sum256([]byte("mfa-backup-pepper:" + authSecret))
	return &MFA{users: users, kv: store, cipher: cipher, pepper: pepper[:], now: time.Now}
}

// Enroll generates a fresh secret and backup codes for a user. Replaces any
// previous enrollment.
func (m *MFA) Enroll(ctx context.Context, user *core.User) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuerName,
		AccountName: user.Email,
		Period:      totpPeriod,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	codes := make([]string, backupCodeCount)
	hashes := make([]string, backupCodeCount)
	for i := range codes {
		buf := make([]byte, backupCodeBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes[i] = hex.EncodeToString(buf)
		hashes[i] = m.hashBackupCode(codes[i])
	}

	encrypted, err := m.cipher.Encrypt(key.Secret())
	if err != nil {
		return nil, err
	}
	enrollment := &core.MfaEnrollment{
		UserID:           user.ID,
		Method:           "totp",
		SecretEncrypted:  encrypted,
		BackupCodeHashes: hashes,
		EnrolledAt:       m.now().UTC(),
	}
	if err := m.users.UpsertMfa(ctx, enrollment); err != nil {
		return nil, err
	}

	return &Enrollment{Secret: key.Secret(), OtpauthURL: key.URL(), BackupCodes: codes}, nil
}

// Verify checks a TOTP code, falling back to backup codes when the input
// does not look like a 6-digit code. Failures count against a rolling
// window; the fifth failure flags a security event.
func (m *MFA) Verify(ctx context.Context, userID, code string) error {
	enrollment, err := m.users.GetMfa(ctx, userID)
	if err != nil {
		return err
	}
	if enrollment == nil {
		return &core.AuthError{Kind: core.AuthUnauthorized, Message: "MFA is not enabled"}
	}

	code = strings.TrimSpace(strings.ReplaceAll(code, " ", ""))

	ok, err := m.check(ctx, enrollment, code)
	if err != nil {
		return err
	}
	if ok {
		_ = m.kv.Del(ctx, keyMfaFailures(userID))
		return nil
	}

	failures, ferr := m.kv.IncrWithWindow(ctx, keyMfaFailures(userID), mfaFailWindow)
	if ferr != nil {
		return ferr
	}
	return &core.AuthError{
		Kind:          core.AuthUnauthorized,
		Message:       "invalid MFA code",
		SecurityEvent: failures >= mfaFailLimit,
	}
}

func (m *MFA) check(ctx context.Context, enrollment *core.MfaEnrollment, code string) (bool, error) {
	if len(code) == 6 {
		secret, migrate, err := m.cipher.Decrypt(enrollment.SecretEncrypted)
		if err != nil {
			return false, err
		}
		if migrate {
			if err := m.migrateSecret(ctx, enrollment, secret); err != nil {
				return false, err
			}
		}
		ok, err := totp.ValidateCustom(code, secret, m.now().UTC(), totp.ValidateOpts{
			Period:    totpPeriod,
			Skew:      1, // one step of clock drift either way
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			return false, fmt.Errorf("validate totp: %w", err)
		}
		return ok, nil
	}
	// Backup codes are single use; the removal doubles as the match test.
	return m.users.ConsumeBackupCode(ctx, enrollment.UserID, m.hashBackupCode(strings.ToLower(code)))
}

// migrateSecret re-encrypts a legacy plaintext secret in place. Enrollments
// written before field encryption carry the secret bare; the first
// verification seals it.
func (m *MFA) migrateSecret(ctx context.Context, enrollment *core.MfaEnrollment, secret string) error {
	sealed, err := m.cipher.Encrypt(secret)
	if err != nil {
		return err
	}
	enrollment.SecretEncrypted = sealed
	return m.users.UpsertMfa(ctx, enrollment)
}

// Enabled reports whether a user has an active enrollment.
func (m *MFA) Enabled(ctx context.Context, userID string) (bool, error) {
	enrollment, err := m.users.GetMfa(ctx, userID)
	if err != nil {
		return false, err
	}
	return enrollment != nil, nil
}

// Disable removes the enrollment. The caller must re-verify the password
// first; admins keep MFA on for good.
func (m *MFA) Disable(ctx context.Context, user *core.User, password string) error {
	if user.Role == core.RoleAdmin {
		return &core.AuthError{Kind: core.AuthForbidden, Message: "MFA cannot be disabled for admin accounts"}
	}
	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return &core.AuthError{Kind: core.AuthUnauthorized, Message: "Invalid email or password"}
	}
	if err := m.users.DeleteMfa(ctx, user.ID); err != nil {
		return err
	}
	return m.kv.Del(ctx, keyMfaFailures(user.ID))
}

func (m *MFA) hashBackupCode(code string) string {
	mac := hmac.New(sha256.New, m.pepper)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}
