package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/database"
)

const (
	resetTokenBytes = 32
	resetTokenTTL   = time.Hour
)

// PasswordReset issues and consumes reset tokens. The raw token reaches the
// user by mail; only its hash is stored.
type PasswordReset struct {
	users    *database.UserRepo
	sessions *SessionStore
	now      func() time.Time
}

func NewPasswordReset(users *database.UserRepo, sessions *SessionStore) *PasswordReset {
	return &PasswordReset{users: users, sessions: sessions, now: time.Now}
}

// Request creates a token for an account. Returns the raw token, or "" when
// the email is unknown; callers respond identically either way so the
// endpoint cannot be used to enumerate accounts.
func (p *PasswordReset) Request(ctx context.Context, email string) (string, error) {
	user, err := p.users.FindByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if user == nil || !user.IsActive {
		return "", nil
	}

	buf := make([]byte, resetTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	raw := hex.EncodeToString(buf)

	now := p.now().UTC()
	token := &core.PasswordResetToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: hashResetToken(raw),
		ExpiresAt: now.Add(resetTokenTTL),
		CreatedAt: now,
	}
	if err := p.users.InsertResetToken(ctx, token); err != nil {
		return "", err
	}
	return raw, nil
}

// Complete consumes a token and sets the new password. Every session and
// token family of the user dies with the old password.
func (p *PasswordReset) Complete(ctx context.Context, rawToken, newPassword string) error {
	if len(newPassword) < 12 {
		return &core.ValidationError{Field: "password", Message: "must be at least 12 characters"}
	}

	token, err := p.users.ConsumeResetToken(ctx, hashResetToken(rawToken), p.now().UTC())
	if err != nil {
		return err
	}
	if token == nil {
		return &core.AuthError{Kind: core.AuthUnauthorized, Message: "invalid or expired reset token"}
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := p.users.UpdatePasswordHash(ctx, token.UserID, hash); err != nil {
		return err
	}

	if err := p.sessions.TerminateAll(ctx, token.UserID); err != nil {
		return err
	}
	return p.sessions.InvalidateAllFamilies(ctx, token.UserID)
}

func hashResetToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
