package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cost-watchdog/backend/internal/core"
)

type errorBody struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps domain errors to status codes. Internal errors are never
// echoed to the client; the request id lets operators correlate with logs.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := core.StatusFor(err)

	body := errorBody{Error: err.Error()}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}

	var ve *core.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	var ae *core.AuthError
	if errors.As(err, &ae) && ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
	}
	var rl *core.RateLimitedError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter))
	}

	body.RequestID = w.Header().Get("X-Request-ID")
	writeJSON(w, status, body)
}

// decodeJSON reads a request body into dst, rejecting unknown fields and
// bodies over 1 MiB.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &core.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}
