package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds map domain failures to transport behavior. Handlers translate
// them to status codes; workers translate them to retry/dead-letter
// decisions.

// ValidationError is a schema or invariant violation. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// AuthKind distinguishes the three auth failure classes.
type AuthKind int

const (
	AuthUnauthorized AuthKind = iota
	AuthForbidden
	AuthAccountLocked
)

// AuthError carries an auth failure. Message is always generic for login
// failures ("Invalid email or password") regardless of the actual cause.
type AuthError struct {
	Kind          AuthKind
	Message       string
	RetryAfter    int  // seconds, for AccountLocked
	SecurityEvent bool // token theft, repeated MFA failure
}

func (e *AuthError) Error() string { return e.Message }

// Status returns the HTTP status for the auth failure class.
func (e *AuthError) Status() int {
	switch e.Kind {
	case AuthForbidden:
		return http.StatusForbidden
	case AuthAccountLocked:
		return http.StatusLocked
	default:
		return http.StatusUnauthorized
	}
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// ConflictError is a unique-constraint or duplicate-hash collision.
// Duplicate marks the dedup-on-upload case, which callers surface as
// success with the existing id.
type ConflictError struct {
	Entity     string
	ExistingID string
	Duplicate  bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Entity, e.ExistingID)
}

// RateLimitedError carries the Retry-After hint.
type RateLimitedError struct {
	RetryAfter int // seconds
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfter)
}

// DependencyError marks an unreachable KV/DB/external dependency. Request
// paths return 503; workers retry with backoff then dead-letter.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// FatalConfigError aborts the process at startup.
type FatalConfigError struct {
	Name    string
	Message string
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Name, e.Message)
}

// StatusFor maps any error to an HTTP status code.
func StatusFor(err error) int {
	var ve *ValidationError
	var ae *AuthError
	var nf *NotFoundError
	var ce *ConflictError
	var rl *RateLimitedError
	var de *DependencyError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ae):
		return ae.Status()
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &ce):
		return http.StatusConflict
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.As(err, &de):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
