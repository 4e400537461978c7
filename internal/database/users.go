package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/cost-watchdog/backend/internal/core"
)

// UserRepo persists accounts, MFA enrollments, API keys, password reset
// tokens and login attempts.
type UserRepo struct {
	db *DB
}

func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

const userCols = `id, email, password_hash, role, allowed_location_ids,
	allowed_cost_center_ids, is_active, deleted_at, notification_settings, created_at`

// FindByEmail looks up an account by lowercased email. Returns nil when the
// account does not exist; the login flow equalizes timing in that case.
func (r *UserRepo) FindByEmail(ctx context.Context, email string) (*core.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE email = $1 AND deleted_at IS NULL`,
		strings.ToLower(email))
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return u, nil
}

// FindByID loads an account.
func (r *UserRepo) FindByID(ctx context.Context, id string) (*core.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "user", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

// Insert creates an account. Email is stored lowercased.
func (r *UserRepo) Insert(ctx context.Context, u *core.User) error {
	settings := u.NotificationSettings
	if settings == nil {
		settings = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (`+userCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		u.ID, strings.ToLower(u.Email), nullStr(u.PasswordHash), u.Role,
		pq.Array(u.AllowedLocationIDs), pq.Array(u.AllowedCostCenterIDs),
		u.IsActive, u.DeletedAt, settings, u.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return &core.ConflictError{Entity: "user", ExistingID: u.Email}
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UpdatePasswordHash rewrites the stored hash.
func (r *UserRepo) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Entity: "user", ID: userID}
	}
	return nil
}

func scanUser(row rowScanner) (*core.User, error) {
	var u core.User
	var hash sql.NullString
	var deleted sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &hash, &u.Role,
		pq.Array(&u.AllowedLocationIDs), pq.Array(&u.AllowedCostCenterIDs),
		&u.IsActive, &deleted, &u.NotificationSettings, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	if hash.Valid {
		u.PasswordHash = hash.String
	}
	if deleted.Valid {
		u.DeletedAt = &deleted.Time
	}
	return &u, nil
}

// ============================================================================
// MFA ENROLLMENTS
// ============================================================================

// GetMfa returns a user's enrollment, or nil when MFA is not enabled.
func (r *UserRepo) GetMfa(ctx context.Context, userID string) (*core.MfaEnrollment, error) {
	var m core.MfaEnrollment
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, method, secret_encrypted, backup_code_hashes, enrolled_at
		FROM mfa_enrollments WHERE user_id = $1`, userID).
		Scan(&m.UserID, &m.Method, &m.SecretEncrypted, pq.Array(&m.BackupCodeHashes), &m.EnrolledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mfa enrollment: %w", err)
	}
	return &m, nil
}

// UpsertMfa stores or replaces an enrollment.
func (r *UserRepo) UpsertMfa(ctx context.Context, m *core.MfaEnrollment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mfa_enrollments (user_id, method, secret_encrypted, backup_code_hashes, enrolled_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (user_id) DO UPDATE SET
			method = EXCLUDED.method,
			secret_encrypted = EXCLUDED.secret_encrypted,
			backup_code_hashes = EXCLUDED.backup_code_hashes,
			enrolled_at = EXCLUDED.enrolled_at`,
		m.UserID, m.Method, m.SecretEncrypted, pq.Array(m.BackupCodeHashes), m.EnrolledAt)
	if err != nil {
		return fmt.Errorf("upsert mfa enrollment: %w", err)
	}
	return nil
}

// ConsumeBackupCode removes a used backup code hash. Returns false when the
// hash is not present (wrong or already-used code).
func (r *UserRepo) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mfa_enrollments
		SET backup_code_hashes = array_remove(backup_code_hashes, $2)
		WHERE user_id = $1 AND $2 = ANY(backup_code_hashes)`, userID, codeHash)
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteMfa removes an enrollment (MFA disable).
func (r *UserRepo) DeleteMfa(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM mfa_enrollments WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete mfa enrollment: %w", err)
	}
	return nil
}

// ============================================================================
// API KEYS
// ============================================================================

// InsertAPIKey stores a new key (hash only; the raw key is never persisted).
func (r *UserRepo) InsertAPIKey(ctx context.Context, k *core.APIKey) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, key_prefix, name, scopes, expires_at, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		k.ID, k.KeyHash, k.KeyPrefix, k.Name, pq.Array(k.Scopes), k.ExpiresAt, k.IsActive, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// FindAPIKeyByHash validates a presented key: active and not expired.
func (r *UserRepo) FindAPIKeyByHash(ctx context.Context, hash string) (*core.APIKey, error) {
	var k core.APIKey
	var expires, revoked, lastUsed sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, key_hash, key_prefix, name, scopes, expires_at, revoked_at, is_active, last_used_at, created_at
		FROM api_keys
		WHERE key_hash = $1 AND is_active AND (expires_at IS NULL OR expires_at > now())`, hash).
		Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, pq.Array(&k.Scopes),
			&expires, &revoked, &k.IsActive, &lastUsed, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find api key: %w", err)
	}
	if expires.Valid {
		k.ExpiresAt = &expires.Time
	}
	if revoked.Valid {
		k.RevokedAt = &revoked.Time
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	return &k, nil
}

// ListAPIKeys returns every key, active or not, newest first. Hashes are
// selected but never serialized.
func (r *UserRepo) ListAPIKeys(ctx context.Context) ([]*core.APIKey, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, key_hash, key_prefix, name, scopes, expires_at, revoked_at, is_active, last_used_at, created_at
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []*core.APIKey
	for rows.Next() {
		var k core.APIKey
		var expires, revoked, lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, pq.Array(&k.Scopes),
			&expires, &revoked, &k.IsActive, &lastUsed, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if expires.Valid {
			k.ExpiresAt = &expires.Time
		}
		if revoked.Valid {
			k.RevokedAt = &revoked.Time
		}
		if lastUsed.Valid {
			k.LastUsedAt = &lastUsed.Time
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

// TouchAPIKey updates last_used_at. Best effort; failures are not fatal to
// the request.
func (r *UserRepo) TouchAPIKey(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// RevokeAPIKey deactivates a key.
func (r *UserRepo) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = FALSE, revoked_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Entity: "api_key", ID: id}
	}
	return nil
}

// ============================================================================
// PASSWORD RESET TOKENS
// ============================================================================

// InsertResetToken stores a reset token hash.
func (r *UserRepo) InsertResetToken(ctx context.Context, t *core.PasswordResetToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reset token: %w", err)
	}
	return nil
}

// ConsumeResetToken marks an unexpired, unused token as used and returns it.
// Returns nil when the hash does not match a live token.
func (r *UserRepo) ConsumeResetToken(ctx context.Context, tokenHash string, now time.Time) (*core.PasswordResetToken, error) {
	var t core.PasswordResetToken
	var used sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		UPDATE password_reset_tokens SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING id, user_id, token_hash, expires_at, used_at, created_at`, tokenHash, now).
		Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &used, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume reset token: %w", err)
	}
	if used.Valid {
		t.UsedAt = &used.Time
	}
	return &t, nil
}

// DeleteExpiredResetTokens removes expired tokens and used tokens older
// than the cutoff, batched.
func (r *UserRepo) DeleteExpiredResetTokens(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	return batchDelete(ctx, r.db, batch, `
		SELECT id FROM password_reset_tokens
		WHERE expires_at < now() OR (used_at IS NOT NULL AND created_at < $1) LIMIT $2`, cutoff,
		`DELETE FROM password_reset_tokens WHERE id = ANY($1)`)
}

// ============================================================================
// LOGIN ATTEMPTS
// ============================================================================

// InsertLoginAttempt records one login try.
func (r *UserRepo) InsertLoginAttempt(ctx context.Context, a *core.LoginAttempt) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO login_attempts (id, email, ip_address, success, attempted_at, reason)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ID, strings.ToLower(a.Email), a.IPAddress, a.Success, a.AttemptedAt, a.Reason)
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

// DeleteLoginAttemptsBefore removes attempts older than the cutoff, batched.
func (r *UserRepo) DeleteLoginAttemptsBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	return batchDelete(ctx, r.db, batch,
		`SELECT id FROM login_attempts WHERE attempted_at < $1 LIMIT $2`, cutoff,
		`DELETE FROM login_attempts WHERE id = ANY($1)`)
}
