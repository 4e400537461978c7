// Package middleware holds the HTTP cross-cutting layers: request context,
// logging, metrics and rate limiting. Route wiring lives in the api package.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	ctxRequestID contextKey = "request_id"
	ctxClientIP  contextKey = "client_ip"
	ctxUserID    contextKey = "user_id"
	ctxUserRole  contextKey = "user_role"
	ctxJTI       contextKey = "jti"
)

const requestIDHeader = "X-Request-ID"

// RequestContext assigns every request an id (echoing the caller's when one
// is present) and resolves the client IP once.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := context.WithValue(r.Context(), ctxRequestID, id)
		ctx = context.WithValue(ctx, ctxClientIP, clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by RequestContext, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestID).(string)
	return id
}

// ClientIP returns the resolved client address, or "".
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ctxClientIP).(string)
	return ip
}

// WithUser stamps the authenticated identity onto the context. The auth
// middleware calls this after validating the token or API key.
func WithUser(ctx context.Context, userID, role, jti string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxUserRole, role)
	return context.WithValue(ctx, ctxJTI, jti)
}

// UserID returns the authenticated user id, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserID).(string)
	return id
}

// UserRole returns the authenticated role, or "".
func UserRole(ctx context.Context) string {
	role, _ := ctx.Value(ctxUserRole).(string)
	return role
}

// JTI returns the session id of the presented access token, or "".
func JTI(ctx context.Context) string {
	jti, _ := ctx.Value(ctxJTI).(string)
	return jti
}

// clientIP trusts X-Forwarded-For first (leftmost hop), then X-Real-IP,
// then the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
