package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cost-watchdog/backend/internal/core"
)

// AuditRepo persists immutable audit entries. Rows are only ever inserted,
// archived and deleted by retention.
type AuditRepo struct {
	db *DB
}

func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Insert writes one entry.
func (r *AuditRepo) Insert(ctx context.Context, e *core.AuditLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, entity_type, entity_id, action, before, after, changes,
			reason, metadata, performed_by, performed_at, request_id, ip_address, user_agent, anonymized)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.ID, e.EntityType, e.EntityID, e.Action,
		nullBytes(e.Before), nullBytes(e.After), nullBytes(e.Changes),
		e.Reason, nullBytes(e.Metadata), e.PerformedBy, e.PerformedAt,
		e.RequestID, e.IPAddress, e.UserAgent, e.Anonymized)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// SelectBefore pages entries older than the cutoff for archival, oldest
// first. Retention streams pages of size limit until empty.
func (r *AuditRepo) SelectBefore(ctx context.Context, cutoff time.Time, limit int) ([]*core.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, before, after, changes,
			reason, metadata, performed_by, performed_at, request_id, ip_address, user_agent, anonymized
		FROM audit_logs WHERE performed_at < $1
		ORDER BY performed_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select audit logs: %w", err)
	}
	defer rows.Close()

	var out []*core.AuditLog
	for rows.Next() {
		var e core.AuditLog
		var reason, ip, ua sql.NullString
		err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action,
			&e.Before, &e.After, &e.Changes, &reason, &e.Metadata,
			&e.PerformedBy, &e.PerformedAt, &e.RequestID, &ip, &ua, &e.Anonymized)
		if err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		e.Reason = reason.String
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteBefore removes entries older than the cutoff, batched.
func (r *AuditRepo) DeleteBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	return batchDelete(ctx, r.db, batch,
		`SELECT id FROM audit_logs WHERE performed_at < $1 LIMIT $2`, cutoff,
		`DELETE FROM audit_logs WHERE id = ANY($1)`)
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
