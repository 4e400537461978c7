package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestContextGeneratesID(t *testing.T) {
	var sawID string
	h := RequestContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawID = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, sawID)
	assert.Equal(t, sawID, rec.Header().Get("X-Request-ID"))
}

func TestRequestContextEchoesCallerID(t *testing.T) {
	var sawID string
	h := RequestContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawID = RequestID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "caller-chosen-id")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "caller-chosen-id", sawID)
}

func TestClientIPResolution(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		xff        string
		realIP     string
		want       string
	}{
		{name: "socket address", remoteAddr: "192.0.2.7:5511", want: "192.0.2.7"},
		{name: "forwarded for wins", remoteAddr: "10.0.0.1:80", xff: "203.0.113.9, 10.0.0.1", want: "203.0.113.9"},
		{name: "real ip fallback", remoteAddr: "10.0.0.1:80", realIP: "203.0.113.10", want: "203.0.113.10"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			assert.Equal(t, tc.want, clientIP(r))
		})
	}
}

func TestWithUserRoundtrip(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := WithUser(r.Context(), "u-1", "analyst", "jti-9")

	assert.Equal(t, "u-1", UserID(ctx))
	assert.Equal(t, "analyst", UserRole(ctx))
	assert.Equal(t, "jti-9", JTI(ctx))
	assert.Empty(t, UserID(r.Context()))
}
