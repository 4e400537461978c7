package api

import (
	"net/http"
	"time"

	"github.com/cost-watchdog/backend/internal/audit"
	"github.com/cost-watchdog/backend/internal/auth"
	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/middleware"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code,omitempty"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	CSRFToken    string    `json:"csrf_token,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, r, &core.ValidationError{Field: "email", Message: "email and password are required"})
		return
	}

	res, err := s.authSvc.Login(r.Context(), req.Email, req.Password, req.MFACode, requestMeta(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.MFARequired {
		writeJSON(w, http.StatusOK, map[string]bool{"mfa_required": true})
		return
	}

	s.issueAuthResponse(w, r, res.Pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	raw := req.RefreshToken
	if raw == "" {
		if c, err := r.Cookie(refreshCookie); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		writeError(w, r, &core.AuthError{Message: "refresh token required"})
		return
	}

	pair, err := s.authSvc.Refresh(r.Context(), raw, requestMeta(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.issueAuthResponse(w, r, pair)
}

// issueAuthResponse sets the cookie trio and echoes the pair for clients
// that prefer the Authorization header. The CSRF token is deliberately
// readable by scripts; the session cookies are not.
func (s *Server) issueAuthResponse(w http.ResponseWriter, r *http.Request, pair *auth.TokenPair) {
	csrfToken, err := s.csrf.Issue()
	if err != nil {
		writeError(w, r, err)
		return
	}
	secure := s.cfg.IsProduction()

	http.SetCookie(w, &http.Cookie{
		Name: accessCookie, Value: pair.AccessToken, Path: "/",
		HttpOnly: true, Secure: secure, SameSite: http.SameSiteLaxMode,
		Expires: pair.ExpiresAt,
	})
	http.SetCookie(w, &http.Cookie{
		Name: refreshCookie, Value: pair.RefreshToken, Path: "/api/auth",
		HttpOnly: true, Secure: secure, SameSite: http.SameSiteStrictMode,
		MaxAge: int(s.cfg.Auth.RefreshTTL / time.Second),
	})
	http.SetCookie(w, &http.Cookie{
		Name: csrfCookie, Value: csrfToken, Path: "/",
		Secure: secure, SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
		CSRFToken:    csrfToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authSvc.Logout(ctx, middleware.UserID(ctx), middleware.JTI(ctx), requestMeta(r)); err != nil {
		writeError(w, r, err)
		return
	}
	clearAuthCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authSvc.LogoutAll(ctx, middleware.UserID(ctx), requestMeta(r)); err != nil {
		writeError(w, r, err)
		return
	}
	clearAuthCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func clearAuthCookies(w http.ResponseWriter) {
	for _, c := range []struct{ name, path string }{
		{accessCookie, "/"}, {refreshCookie, "/api/auth"}, {csrfCookie, "/"},
	} {
		http.SetCookie(w, &http.Cookie{Name: c.name, Path: c.path, MaxAge: -1})
	}
}

type sessionView struct {
	JTI       string      `json:"jti"`
	IPAddress string      `json:"ip_address,omitempty"`
	Device    auth.Device `json:"device"`
	Current   bool        `json:"current"`
	CreatedAt time.Time   `json:"created_at"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := s.authSvc.Sessions(ctx, middleware.UserID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}

	current := middleware.JTI(ctx)
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView{
			JTI:       sess.JTI,
			IPAddress: sess.IPAddress,
			Device:    auth.ParseUserAgent(sess.UserAgent),
			Current:   sess.JTI == current,
			CreatedAt: sess.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.csrf.Issue()
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name: csrfCookie, Value: token, Path: "/",
		Secure: s.cfg.IsProduction(), SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

// ============================================================================
// MFA
// ============================================================================

func (s *Server) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.FindByID(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	enrollment, err := s.mfa.Enroll(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"secret":       enrollment.Secret,
		"otpauth_url":  enrollment.OtpauthURL,
		"backup_codes": enrollment.BackupCodes,
	})
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.mfa.Verify(r.Context(), middleware.UserID(r.Context()), req.Code); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (s *Server) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := s.users.FindByID(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.mfa.Disable(r.Context(), user, req.Password); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// PASSWORD RESET
// ============================================================================

// handleResetRequest always answers 202 so the endpoint cannot be used to
// probe which emails exist.
func (s *Server) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.reset.Request(r.Context(), req.Email); err != nil {
		s.logger.Printf("password reset request: %v", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "if the address exists, a reset link has been sent",
	})
}

func (s *Server) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.reset.Complete(r.Context(), req.Token, req.Password); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// ADMIN
// ============================================================================

func (s *Server) handleAdminUnlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Email == "" {
		writeError(w, r, &core.ValidationError{Field: "email", Message: "email is required"})
		return
	}
	if err := s.lockout.AdminUnlock(r.Context(), req.Email); err != nil {
		writeError(w, r, err)
		return
	}
	s.audits.Record(r.Context(), audit.Entry{
		EntityType: "user",
		EntityID:   req.Email,
		Action:     "auth.admin_unlock",
	})
	w.WriteHeader(http.StatusNoContent)
}

type apiKeyCreateRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleAPIKeyCreate(w http.ResponseWriter, r *http.Request) {
	var req apiKeyCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, &core.ValidationError{Field: "name", Message: "name is required"})
		return
	}
	created, err := s.apiKeys.Create(r.Context(), req.Name, req.Scopes, req.ExpiresAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.audits.Record(r.Context(), audit.Entry{
		EntityType: "api_key",
		EntityID:   created.Key.ID,
		Action:     "api_key.created",
		Metadata:   map[string]any{"name": req.Name, "scopes": req.Scopes},
	})
	// The raw key appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key": created.Key,
		"raw": created.Raw,
	})
}

func (s *Server) handleAPIKeyList(w http.ResponseWriter, r *http.Request) {
	keys, err := s.users.ListAPIKeys(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"api_keys": keys})
}

func (s *Server) handleAPIKeyRevoke(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	if err := s.apiKeys.Revoke(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.audits.Record(r.Context(), audit.Entry{
		EntityType: "api_key",
		EntityID:   id,
		Action:     "api_key.revoked",
	})
	w.WriteHeader(http.StatusNoContent)
}
