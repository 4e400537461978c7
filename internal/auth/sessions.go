package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/kv"
)

// KV key layout. Everything mutable about a login lives here.
func keySession(jti string) string       { return "sess:" + jti }
func keyUserSessions(userID string) string { return "user_sessions:" + userID }
func keyBlacklistJTI(jti string) string  { return "bl:jti:" + jti }
func keyBlacklistUser(userID string) string { return "bl:user:" + userID }
func keyFamily(fid string) string        { return "fam:" + fid }
func keyFamilyUsed(fid string) string    { return "fam:" + fid + ":used" }
func keyUserFamilies(userID string) string { return "user_fams:" + userID }

// Session is the registry entry stored at sess:<jti>.
type Session struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id"`
	FamilyID  string    `json:"family_id"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// familyState is the rotation state stored at fam:<fid>. The used set of
// rotated-out token hashes lives in a companion set key.
type familyState struct {
	UserID           string    `json:"user_id"`
	CurrentTokenHash string    `json:"current_token_hash"`
	CreatedAt        time.Time `json:"created_at"`
}

// SessionStore manages sessions, blacklists and token families in the KV
// store.
type SessionStore struct {
	kv  kv.Store
	ttl time.Duration
	now func() time.Time
}

func NewSessionStore(store kv.Store, refreshTTL time.Duration) *SessionStore {
	return &SessionStore{kv: store, ttl: refreshTTL, now: time.Now}
}

// Create registers a session; its lifetime matches the refresh token.
func (s *SessionStore) Create(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.kv.SetEx(ctx, keySession(sess.JTI), string(raw), s.ttl); err != nil {
		return err
	}
	if err := s.kv.SAdd(ctx, keyUserSessions(sess.UserID), sess.JTI); err != nil {
		return err
	}
	return s.kv.Expire(ctx, keyUserSessions(sess.UserID), s.ttl)
}

// Get loads one session; nil when expired or unknown.
func (s *SessionStore) Get(ctx context.Context, jti string) (*Session, error) {
	raw, err := s.kv.Get(ctx, keySession(jti))
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", jti, err)
	}
	return &sess, nil
}

// List returns the live sessions of a user, pruning dangling set members.
func (s *SessionStore) List(ctx context.Context, userID string) ([]*Session, error) {
	jtis, err := s.kv.SMembers(ctx, keyUserSessions(userID))
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, jti := range jtis {
		sess, err := s.Get(ctx, jti)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			_ = s.kv.SRem(ctx, keyUserSessions(userID), jti)
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// Validate enforces the three-part check every authenticated request runs:
// session exists, jti not blacklisted, and the token was issued after any
// user-wide blacklist timestamp.
func (s *SessionStore) Validate(ctx context.Context, jti, userID string, issuedAt time.Time) error {
	exists, err := s.kv.Exists(ctx, keySession(jti))
	if err != nil {
		return err
	}
	if !exists {
		return &core.AuthError{Kind: core.AuthUnauthorized, Message: "session expired"}
	}

	blacklisted, err := s.kv.Exists(ctx, keyBlacklistJTI(jti))
	if err != nil {
		return err
	}
	if blacklisted {
		return &core.AuthError{Kind: core.AuthUnauthorized, Message: "session revoked"}
	}

	raw, err := s.kv.Get(ctx, keyBlacklistUser(userID))
	if err != nil && err != kv.ErrNotFound {
		return err
	}
	if err == nil {
		cutoff, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr == nil && issuedAt.Unix() < cutoff {
			return &core.AuthError{Kind: core.AuthUnauthorized, Message: "session revoked"}
		}
	}
	return nil
}

// Terminate removes one session and blacklists its jti for the remaining
// token lifetime.
func (s *SessionStore) Terminate(ctx context.Context, jti string) error {
	sess, err := s.Get(ctx, jti)
	if err != nil {
		return err
	}
	if err := s.kv.Del(ctx, keySession(jti)); err != nil {
		return err
	}
	if sess != nil {
		_ = s.kv.SRem(ctx, keyUserSessions(sess.UserID), jti)
	}
	return s.kv.SetEx(ctx, keyBlacklistJTI(jti), "1", s.ttl)
}

// TerminateAll kills every session of a user: individual jti blacklists
// plus a user-wide issued-before cutoff for tokens whose sessions are
// already gone.
func (s *SessionStore) TerminateAll(ctx context.Context, userID string) error {
	jtis, err := s.kv.SMembers(ctx, keyUserSessions(userID))
	if err != nil {
		return err
	}
	for _, jti := range jtis {
		if err := s.Terminate(ctx, jti); err != nil {
			return err
		}
	}
	cutoff := strconv.FormatInt(s.now().Unix(), 10)
	return s.kv.SetEx(ctx, keyBlacklistUser(userID), cutoff, s.ttl)
}

// ============================================================================
// TOKEN FAMILIES
// ============================================================================

// RefreshOutcome classifies what a presented refresh token hash means.
type RefreshOutcome int

const (
	RefreshValid   RefreshOutcome = iota // current token, rotate
	RefreshReplay                        // previously used: theft
	RefreshUnknown                       // not in this family
)

// CreateFamily opens a new rotation lineage for a user.
func (s *SessionStore) CreateFamily(ctx context.Context, userID, fid, tokenHash string) error {
	state := familyState{
		UserID:           userID,
		CurrentTokenHash: tokenHash,
		CreatedAt:        s.now().UTC(),
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.kv.SetEx(ctx, keyFamily(fid), string(raw), s.ttl); err != nil {
		return err
	}
	if err := s.kv.SAdd(ctx, keyUserFamilies(userID), fid); err != nil {
		return err
	}
	return s.kv.Expire(ctx, keyUserFamilies(userID), s.ttl)
}

// CheckRefresh classifies a presented token hash against family state.
func (s *SessionStore) CheckRefresh(ctx context.Context, fid, tokenHash string) (RefreshOutcome, string, error) {
	raw, err := s.kv.Get(ctx, keyFamily(fid))
	if err == kv.ErrNotFound {
		return RefreshUnknown, "", nil
	}
	if err != nil {
		return RefreshUnknown, "", err
	}
	var state familyState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return RefreshUnknown, "", fmt.Errorf("decode family %s: %w", fid, err)
	}

	if state.CurrentTokenHash == tokenHash {
		return RefreshValid, state.UserID, nil
	}
	used, err := s.kv.SIsMember(ctx, keyFamilyUsed(fid), tokenHash)
	if err != nil {
		return RefreshUnknown, "", err
	}
	if used {
		return RefreshReplay, state.UserID, nil
	}
	return RefreshUnknown, state.UserID, nil
}

// Rotate moves the family forward: the old hash joins the used set and the
// new hash becomes current.
func (s *SessionStore) Rotate(ctx context.Context, fid, oldHash, newHash string) error {
	raw, err := s.kv.Get(ctx, keyFamily(fid))
	if err != nil {
		return err
	}
	var state familyState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return fmt.Errorf("decode family %s: %w", fid, err)
	}
	state.CurrentTokenHash = newHash

	updated, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.kv.SetEx(ctx, keyFamily(fid), string(updated), s.ttl); err != nil {
		return err
	}
	if err := s.kv.SAdd(ctx, keyFamilyUsed(fid), oldHash); err != nil {
		return err
	}
	return s.kv.Expire(ctx, keyFamilyUsed(fid), s.ttl)
}

// InvalidateAllFamilies destroys every rotation lineage of a user.
func (s *SessionStore) InvalidateAllFamilies(ctx context.Context, userID string) error {
	fids, err := s.kv.SMembers(ctx, keyUserFamilies(userID))
	if err != nil {
		return err
	}
	for _, fid := range fids {
		if err := s.kv.Del(ctx, keyFamily(fid), keyFamilyUsed(fid)); err != nil {
			return err
		}
	}
	return s.kv.Del(ctx, keyUserFamilies(userID))
}
