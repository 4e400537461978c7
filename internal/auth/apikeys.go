package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/database"
)

const (
	apiKeyPrefix    = "cwk_"
	apiKeyBytes     = 32
	apiKeyPrefixLen = 12
)

// APIKeys creates and validates machine credentials.
type APIKeys struct {
	users *database.UserRepo
	now   func() time.Time
}

func NewAPIKeys(users *database.UserRepo) *APIKeys {
	return &APIKeys{users: users, now: time.Now}
}

// CreatedKey pairs the stored row with the raw secret, which is shown
// exactly once.
type CreatedKey struct {
	Key *core.APIKey
	Raw string
}

// Create mints a 256-bit key of the form cwk_<base64url>. Only the SHA-256
// hash and a short display prefix are persisted.
func (a *APIKeys) Create(ctx context.Context, name string, scopes []string, expiresAt *time.Time) (*CreatedKey, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	raw := apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)

	key := &core.APIKey{
		ID:        uuid.NewString(),
		KeyHash:   hashAPIKey(raw),
		KeyPrefix: raw[:apiKeyPrefixLen],
		Name:      name,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		IsActive:  true,
		CreatedAt: a.now().UTC(),
	}
	if err := a.users.InsertAPIKey(ctx, key); err != nil {
		return nil, err
	}
	return &CreatedKey{Key: key, Raw: raw}, nil
}

// Validate resolves a presented key. Expired, revoked and unknown keys all
// come back as the same generic unauthorized error.
func (a *APIKeys) Validate(ctx context.Context, raw string) (*core.APIKey, error) {
	key, err := a.users.FindAPIKeyByHash(ctx, hashAPIKey(raw))
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, &core.AuthError{Kind: core.AuthUnauthorized, Message: "invalid API key"}
	}
	// Last-used is best effort; a failed touch must not fail the request.
	_ = a.users.TouchAPIKey(ctx, key.ID)
	return key, nil
}

// Revoke deactivates a key.
func (a *APIKeys) Revoke(ctx context.Context, id string) error {
	return a.users.RevokeAPIKey(ctx, id)
}

func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
