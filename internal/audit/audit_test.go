package audit

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/middleware"
)

func TestRedactJSONBlanksCredentialFields(t *testing.T) {
	raw := []byte(`{
		"email": "anna.schmidt@example.com",
		"password": "hunter2",
		"passwordConfirm": "hunter2",
		"refreshToken": "eyJ...",
		"nested": {"apiKey": "cwk_abc", "note": "keep me"},
		"items": [{"totpCode": "123456"}]
	}`)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(RedactJSON(raw), &doc))

	assert.Equal(t, "[REDACTED]", doc["password"])
	assert.Equal(t, "[REDACTED]", doc["passwordConfirm"])
	assert.Equal(t, "[REDACTED]", doc["refreshToken"])

	nested := doc["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["apiKey"])
	assert.Equal(t, "keep me", nested["note"])

	item := doc["items"].([]any)[0].(map[string]any)
	assert.Equal(t, "[REDACTED]", item["totpCode"])

	// Emails keep the domain only.
	assert.Equal(t, "x***@example.com", doc["email"])
}

func TestRedactJSONInvalidInputIsFullyRedacted(t *testing.T) {
	assert.Equal(t, `"[REDACTED]"`, string(RedactJSON([]byte("not json{"))))
}

func TestRedactHeaders(t *testing.T) {
	in := map[string][]string{
		"Authorization": {"Bearer abc"},
		"Cookie":        {"access_token=xyz"},
		"X-Api-Key":     {"cwk_secret"},
		"X-Csrf-Token":  {"tok.ts.mac"},
		"Content-Type":  {"application/json"},
	}
	out := RedactHeaders(in)

	assert.Equal(t, []string{"[REDACTED]"}, out["Authorization"])
	assert.Equal(t, []string{"[REDACTED]"}, out["Cookie"])
	assert.Equal(t, []string{"[REDACTED]"}, out["X-Api-Key"])
	assert.Equal(t, []string{"[REDACTED]"}, out["X-Csrf-Token"])
	assert.Equal(t, []string{"application/json"}, out["Content-Type"])
}

func TestMaskEmails(t *testing.T) {
	assert.Equal(t, "contact x***@firma.de or x***@example.com",
		MaskEmails("contact hans.mueller@firma.de or info@example.com"))
	assert.Equal(t, "no addresses here", MaskEmails("no addresses here"))
}

// argContains matches a []byte or string query argument that holds every
// substring.
type argContains []string

func (a argContains) Match(v driver.Value) bool {
	var s string
	switch val := v.(type) {
	case []byte:
		s = string(val)
	case string:
		s = val
	default:
		return false
	}
	for _, sub := range a {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func TestWriterRecordRedactsAndAttributes(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	w := NewWriter(database.NewAuditRepo(&database.DB{DB: raw}))

	mock.ExpectExec(`INSERT INTO audit_logs`).
		WithArgs(sqlmock.AnyArg(), "user", "u-1", "auth.login",
			nil, nil, nil, "",
			argContains{`"password":"[REDACTED]"`, `x***@example.com`},
			"u-1", sqlmock.AnyArg(), "req-9", "10.0.0.9", "test-agent", false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.Record(context.Background(), Entry{
		EntityType: "user",
		EntityID:   "u-1",
		Action:     "auth.login",
		Metadata: map[string]any{
			"password": "hunter2",
			"email":    "anna@example.com",
		},
		PerformedBy: "u-1",
		RequestID:   "req-9",
		IPAddress:   "10.0.0.9",
		UserAgent:   "test-agent",
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriterRecordFallsBackToContextAttribution(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	w := NewWriter(database.NewAuditRepo(&database.DB{DB: raw}))

	ctx := middleware.WithUser(context.Background(), "u-7", "admin", "jti-1")

	mock.ExpectExec(`INSERT INTO audit_logs`).
		WithArgs(sqlmock.AnyArg(), "api_key", "k-1", "api_key.created",
			nil, nil, nil, "", nil,
			"u-7", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "", false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.Record(ctx, Entry{EntityType: "api_key", EntityID: "k-1", Action: "api_key.created"})
	assert.NoError(t, mock.ExpectationsWereMet())
}
