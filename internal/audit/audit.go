// Package audit writes the immutable audit trail. Everything passing
// through here is redacted first: credentials never reach the table, and
// emails are masked to their domain.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/middleware"
)

const redacted = "[REDACTED]"

// redactedHeaders are matched case-insensitively against header names.
var redactedHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
	"x-api-key":     true,
	"x-csrf-token":  true,
}

// redactedFields are matched case-insensitively against JSON keys at every
// nesting level. "password" also covers passwordConfirm and similar.
var redactedFields = []string{
	"password",
	"token",
	"refreshtoken",
	"accesstoken",
	"apikey",
	"secret",
	"mfacode",
	"backupcode",
	"totpcode",
}

var emailRe = regexp.MustCompile(`\b[\w.+-]+@([\w-]+\.[\w.-]+)\b`)

// Entry is what callers record. Attribution is filled in from the request
// context; the explicit fields win when set, which lets pre-authentication
// flows (login, refresh) attribute events before any user is on the
// context.
type Entry struct {
	EntityType string
	EntityID   string
	Action     string
	Before     any
	After      any
	Reason     string
	Metadata   map[string]any

	PerformedBy string
	RequestID   string
	IPAddress   string
	UserAgent   string
}

// Writer persists redacted audit entries.
type Writer struct {
	repo   *database.AuditRepo
	logger *log.Logger
	now    func() time.Time
}

func NewWriter(repo *database.AuditRepo) *Writer {
	return &Writer{
		repo:   repo,
		logger: log.New(log.Writer(), "[Audit] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Record writes one entry. Audit failures are logged, never propagated: an
// unavailable audit table must not fail the business operation.
func (w *Writer) Record(ctx context.Context, e Entry) {
	performedBy := e.PerformedBy
	if performedBy == "" {
		performedBy = middleware.UserID(ctx)
	}
	if performedBy == "" {
		performedBy = "system"
	}
	requestID := e.RequestID
	if requestID == "" {
		requestID = middleware.RequestID(ctx)
	}
	ipAddress := e.IPAddress
	if ipAddress == "" {
		ipAddress = middleware.ClientIP(ctx)
	}

	entry := &core.AuditLog{
		ID:          uuid.NewString(),
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		Action:      e.Action,
		Before:      marshalRedacted(e.Before),
		After:       marshalRedacted(e.After),
		Reason:      e.Reason,
		Metadata:    marshalRedacted(e.Metadata),
		PerformedBy: performedBy,
		PerformedAt: w.now().UTC(),
		RequestID:   requestID,
		IPAddress:   ipAddress,
		UserAgent:   e.UserAgent,
	}
	if err := w.repo.Insert(ctx, entry); err != nil {
		w.logger.Printf("record %s on %s/%s: %v", e.Action, e.EntityType, e.EntityID, err)
	}
}

func marshalRedacted(v any) []byte {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	// Typed nils (a nil map or pointer boxed in any) marshal to "null";
	// those stay NULL in the table.
	if string(raw) == "null" {
		return nil
	}
	return RedactJSON(raw)
}

// RedactJSON replaces credential fields and masks emails in a JSON
// document. Invalid JSON comes back fully redacted rather than leaking.
func RedactJSON(raw []byte) []byte {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []byte(`"` + redacted + `"`)
	}
	out, err := json.Marshal(redactValue(doc))
	if err != nil {
		return []byte(`"` + redacted + `"`)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if isSensitiveField(k) {
				val[k] = redacted
				continue
			}
			val[k] = redactValue(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = redactValue(inner)
		}
		return val
	case string:
		return MaskEmails(val)
	default:
		return v
	}
}

func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, field := range redactedFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

// RedactHeaders copies a header map with credential headers blanked.
func RedactHeaders(headers map[string][]string) map[string][]string {
	out := make(map[string][]string, len(headers))
	for name, values := range headers {
		if redactedHeaders[strings.ToLower(name)] {
			out[name] = []string{redacted}
			continue
		}
		out[name] = values
	}
	return out
}

// MaskEmails rewrites addresses to x***@domain, keeping the domain for
// debugging while dropping the local part.
func MaskEmails(s string) string {
	return emailRe.ReplaceAllString(s, "x***@$1")
}
