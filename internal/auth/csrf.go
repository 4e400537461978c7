package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CSRF double-submit tokens: `token.timestamp(base36).hmac16(hex)`. The
// value travels in a non-HttpOnly cookie and must be echoed in the
// X-CSRF-Token header on mutating requests.
const (
	csrfTokenBytes = 16
	csrfMacHexLen  = 16
	csrfMaxAge     = 24 * time.Hour
)

// CSRF issues and validates double-submit tokens.
type CSRF struct {
	secret []byte
	now    func() time.Time
}

func NewCSRF(secret string) *CSRF {
	return &CSRF{secret: []byte(secret), now: time.Now}
}

// Issue mints a fresh token.
func (c *CSRF) Issue() (string, error) {
	buf := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	token := hex.EncodeToString(buf)
	ts := strconv.FormatInt(c.now().Unix(), 36)
	return token + "." + ts + "." + c.mac(token, ts), nil
}

// Validate checks the header value against the cookie value. Both must be
// well formed, carry a valid HMAC, agree on the token portion and be
// younger than 24 hours. Comparison of the token portions is constant time.
func (c *CSRF) Validate(cookieValue, headerValue string) bool {
	cookieToken, ok := c.verify(cookieValue)
	if !ok {
		return false
	}
	headerToken, ok := c.verify(headerValue)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) == 1
}

// verify checks structure, HMAC and age, returning the token portion.
func (c *CSRF) verify(value string) (string, bool) {
	parts := strings.Split(value, ".")
	if len(parts) != 3 {
		return "", false
	}
	token, ts, mac := parts[0], parts[1], parts[2]

	want := c.mac(token, ts)
	if !hmac.Equal([]byte(mac), []byte(want)) {
		return "", false
	}

	issued, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return "", false
	}
	age := c.now().Unix() - issued
	if age < 0 || age > int64(csrfMaxAge/time.Second) {
		return "", false
	}
	return token, true
}

func (c *CSRF) mac(token, ts string) string {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(token + "." + ts))
	return hex.EncodeToString(h.Sum(nil))[:csrfMacHexLen]
}
