package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cost-watchdog/backend/internal/audit"
	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/metrics"
)

// invalidCredentials is the one message every credential failure returns.
// Distinguishing unknown emails from wrong passwords leaks account existence.
const invalidCredentials = "Invalid email or password"

// RequestMeta carries the client attribution recorded with every auth event.
type RequestMeta struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// LoginResult is either a token pair or an MFA challenge.
type LoginResult struct {
	Pair        *TokenPair
	MFARequired bool
	User        *core.User
}

// Service ties credentials, lockout, MFA, sessions and token families into
// the login, refresh and logout flows.
type Service struct {
	users    *database.UserRepo
	audit    *audit.Writer
	issuer   *TokenIssuer
	sessions *SessionStore
	lockout  *Lockout
	mfa      *MFA
	metrics  *metrics.Metrics
	logger   *log.Logger
	now      func() time.Time
}

func NewService(users *database.UserRepo, auditWriter *audit.Writer, issuer *TokenIssuer, sessions *SessionStore, lockout *Lockout, mfa *MFA, m *metrics.Metrics) *Service {
	return &Service{
		users:    users,
		audit:    auditWriter,
		issuer:   issuer,
		sessions: sessions,
		lockout:  lockout,
		mfa:      mfa,
		metrics:  m,
		logger:   log.New(log.Writer(), "[Auth] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Login runs the full credential check. mfaCode may be empty on the first
// round trip; when the account has MFA the caller gets MFARequired and
// retries with a code.
func (s *Service) Login(ctx context.Context, email, password, mfaCode string, meta RequestMeta) (*LoginResult, error) {
	state, err := s.lockout.Check(ctx, email)
	if err != nil {
		return nil, err
	}
	if state.Locked {
		s.recordAttempt(ctx, email, meta, false, "account locked")
		return nil, lockedError(state)
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive || user.PasswordHash == "" {
		// Burn the same Argon2id cost as a real verification so unknown
		// emails are not distinguishable by response time.
		EqualizeTiming(password)
		s.recordAttempt(ctx, email, meta, false, "unknown or inactive account")
		s.metrics.LoginAttempts.WithLabelValues("failure").Inc()
		return nil, &core.AuthError{Kind: core.AuthUnauthorized, Message: invalidCredentials}
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		state, ferr := s.lockout.RecordFailure(ctx, email)
		if ferr != nil {
			return nil, ferr
		}
		s.recordAttempt(ctx, email, meta, false, "wrong password")
		s.metrics.LoginAttempts.WithLabelValues("failure").Inc()
		if state.Locked {
			s.auditEvent(ctx, user.ID, "auth.lockout", meta, map[string]any{
				"permanent": state.Permanent,
			})
			return nil, lockedError(state)
		}
		return nil, &core.AuthError{Kind: core.AuthUnauthorized, Message: invalidCredentials}
	}

	enabled, err := s.mfa.Enabled(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if enabled {
		if mfaCode == "" {
			return &LoginResult{MFARequired: true, User: user}, nil
		}
		if err := s.mfa.Verify(ctx, user.ID, mfaCode); err != nil {
			s.recordAttempt(ctx, email, meta, false, "mfa failed")
			s.metrics.LoginAttempts.WithLabelValues("mfa_failure").Inc()
			return nil, err
		}
	}

	if err := s.lockout.Reset(ctx, email); err != nil {
		return nil, err
	}

	// A fresh login invalidates everything issued before it, so a token
	// captured pre-authentication is worthless afterwards.
	if err := s.sessions.TerminateAll(ctx, user.ID); err != nil {
		return nil, err
	}
	if err := s.sessions.InvalidateAllFamilies(ctx, user.ID); err != nil {
		return nil, err
	}

	pair, err := s.establish(ctx, user, uuid.NewString(), meta)
	if err != nil {
		return nil, err
	}

	s.recordAttempt(ctx, email, meta, true, "")
	s.metrics.LoginAttempts.WithLabelValues("success").Inc()
	s.auditEvent(ctx, user.ID, "auth.login", meta, nil)
	return &LoginResult{Pair: pair, User: user}, nil
}

// Refresh rotates a refresh token. Presenting a token that was already
// rotated out is treated as theft: every session and family of the user is
// destroyed.
func (s *Service) Refresh(ctx context.Context, rawToken string, meta RequestMeta) (*TokenPair, error) {
	claims, err := s.issuer.Parse(rawToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		var notFound *core.NotFoundError
		if errors.As(err, &notFound) {
			return nil, &core.AuthError{Kind: core.AuthUnauthorized, Message: "invalid token"}
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, &core.AuthError{Kind: core.AuthUnauthorized, Message: "invalid token"}
	}

	// Tokens minted before family tracking carry no fid. They are honored
	// exactly once: the session dies with the old jti, and the replacement
	// pair starts a tracked family.
	if claims.FamilyID == "" {
		if err := s.sessions.Validate(ctx, claims.ID, user.ID, claims.IssuedAt.Time); err != nil {
			return nil, err
		}
		if err := s.sessions.Terminate(ctx, claims.ID); err != nil {
			return nil, err
		}
		return s.establish(ctx, user, uuid.NewString(), meta)
	}

	outcome, _, err := s.sessions.CheckRefresh(ctx, claims.FamilyID, HashToken(rawToken))
	if err != nil {
		return nil, err
	}
	switch outcome {
	case RefreshValid:
		pair, err := s.issuer.IssuePair(user, claims.FamilyID)
		if err != nil {
			return nil, err
		}
		if err := s.sessions.Rotate(ctx, claims.FamilyID, HashToken(rawToken), HashToken(pair.RefreshToken)); err != nil {
			return nil, err
		}
		if err := s.sessions.Terminate(ctx, claims.ID); err != nil {
			return nil, err
		}
		if err := s.createSession(ctx, user.ID, pair, meta); err != nil {
			return nil, err
		}
		return pair, nil

	case RefreshReplay:
		s.logger.Printf("refresh replay for user %s, family %s: revoking everything", user.ID, claims.FamilyID)
		if err := s.sessions.InvalidateAllFamilies(ctx, user.ID); err != nil {
			return nil, err
		}
		if err := s.sessions.TerminateAll(ctx, user.ID); err != nil {
			return nil, err
		}
		s.auditEvent(ctx, user.ID, "auth.token_theft", meta, map[string]any{
			"family_id":     claims.FamilyID,
			"theftDetected": true,
		})
		return nil, &core.AuthError{
			Kind:          core.AuthUnauthorized,
			Message:       "refresh token reuse detected",
			SecurityEvent: true,
		}

	default:
		return nil, &core.AuthError{Kind: core.AuthUnauthorized, Message: "invalid token"}
	}
}

// Logout terminates one session by its access-token jti.
func (s *Service) Logout(ctx context.Context, userID, jti string, meta RequestMeta) error {
	if err := s.sessions.Terminate(ctx, jti); err != nil {
		return err
	}
	s.auditEvent(ctx, userID, "auth.logout", meta, nil)
	return nil
}

// LogoutAll kills every session and token family of the user.
func (s *Service) LogoutAll(ctx context.Context, userID string, meta RequestMeta) error {
	if err := s.sessions.TerminateAll(ctx, userID); err != nil {
		return err
	}
	if err := s.sessions.InvalidateAllFamilies(ctx, userID); err != nil {
		return err
	}
	s.auditEvent(ctx, userID, "auth.logout_all", meta, nil)
	return nil
}

// Sessions lists the user's live sessions with parsed device info.
func (s *Service) Sessions(ctx context.Context, userID string) ([]*Session, error) {
	return s.sessions.List(ctx, userID)
}

// establish mints a pair in the given family and registers session and
// family state for it.
func (s *Service) establish(ctx context.Context, user *core.User, fid string, meta RequestMeta) (*TokenPair, error) {
	pair, err := s.issuer.IssuePair(user, fid)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.CreateFamily(ctx, user.ID, fid, HashToken(pair.RefreshToken)); err != nil {
		return nil, err
	}
	if err := s.createSession(ctx, user.ID, pair, meta); err != nil {
		return nil, err
	}
	return pair, nil
}

func (s *Service) createSession(ctx context.Context, userID string, pair *TokenPair, meta RequestMeta) error {
	return s.sessions.Create(ctx, &Session{
		JTI:       pair.JTI,
		UserID:    userID,
		FamilyID:  pair.FamilyID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		CreatedAt: s.now().UTC(),
	})
}

func (s *Service) recordAttempt(ctx context.Context, email string, meta RequestMeta, success bool, reason string) {
	attempt := &core.LoginAttempt{
		ID:          uuid.NewString(),
		Email:       email,
		IPAddress:   meta.IPAddress,
		Success:     success,
		AttemptedAt: s.now().UTC(),
		Reason:      reason,
	}
	if err := s.users.InsertLoginAttempt(ctx, attempt); err != nil {
		s.logger.Printf("record login attempt for %s: %v", email, err)
	}
}

// auditEvent records through the audit writer so credential fields in the
// details are redacted before they reach the table.
func (s *Service) auditEvent(ctx context.Context, userID, action string, meta RequestMeta, details map[string]any) {
	s.audit.Record(ctx, audit.Entry{
		EntityType:  "user",
		EntityID:    userID,
		Action:      action,
		Metadata:    details,
		PerformedBy: userID,
		RequestID:   meta.RequestID,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	})
}

func lockedError(state LockState) *core.AuthError {
	msg := fmt.Sprintf("account locked, retry in %d seconds", state.RetryAfter)
	if state.Permanent {
		msg = "account locked, contact an administrator"
	}
	return &core.AuthError{Kind: core.AuthAccountLocked, Message: msg, RetryAfter: state.RetryAfter}
}
