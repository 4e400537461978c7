package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cost-watchdog/backend/internal/core"
)

const (
	tokenIssuer   = "cost-watchdog"
	tokenAudience = "cost-watchdog-api"

	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the JWT payload. Access and refresh tokens of one session share
// the jti; only refresh tokens carry a family id.
type Claims struct {
	UserID    string    `json:"uid"`
	Role      core.Role `json:"role"`
	TokenType string    `json:"typ"`
	FamilyID  string    `json:"fid,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is what login and refresh return.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	JTI          string    `json:"-"`
	FamilyID     string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenIssuer signs and verifies the HS256 pair.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, &core.FatalConfigError{Name: "AUTH_SECRET", Message: "must be at least 32 characters"}
	}
	return &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// IssuePair mints a new access/refresh pair sharing a fresh jti. The family
// id ties the refresh token into its rotation lineage.
func (ti *TokenIssuer) IssuePair(user *core.User, familyID string) (*TokenPair, error) {
	jti := uuid.NewString()
	now := ti.now()

	access, err := ti.sign(user, jti, "", TokenTypeAccess, now, ti.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := ti.sign(user, jti, familyID, TokenTypeRefresh, now, ti.refreshTTL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		JTI:          jti,
		FamilyID:     familyID,
		ExpiresAt:    now.Add(ti.accessTTL),
	}, nil
}

func (ti *TokenIssuer) sign(user *core.User, jti, fid, typ string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:    user.ID,
		Role:      user.Role,
		TokenType: typ,
		FamilyID:  fid,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, nil
}

// Parse verifies signature, issuer, audience and expiry, and that the token
// is of the expected type.
func (ti *TokenIssuer) Parse(raw, expectedType string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return nil, &core.AuthError{Kind: core.AuthUnauthorized, Message: "invalid token"}
	}
	if claims.TokenType != expectedType {
		return nil, &core.AuthError{Kind: core.AuthUnauthorized, Message: "wrong token type"}
	}
	return &claims, nil
}

// HashToken is the lookup key for refresh-token family state. Raw tokens
// are never stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
