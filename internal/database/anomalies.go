package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cost-watchdog/backend/internal/core"
)

// AnomalyRepo persists detection results. The unique key
// (cost_record_id, type) makes detection idempotent across re-runs.
type AnomalyRepo struct {
	db *DB
}

func NewAnomalyRepo(db *DB) *AnomalyRepo {
	return &AnomalyRepo{db: db}
}

// UpsertTx inserts or refreshes an anomaly inside the detection transaction.
// Re-detection updates severity, message and details but preserves triage
// status and the original id.
func (r *AnomalyRepo) UpsertTx(ctx context.Context, tx *sql.Tx, a *core.Anomaly) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO anomalies (id, cost_record_id, type, severity, status, message, details, is_backfill, detected_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (cost_record_id, type) DO UPDATE SET
			severity = EXCLUDED.severity,
			message = EXCLUDED.message,
			details = EXCLUDED.details,
			detected_at = EXCLUDED.detected_at
		RETURNING id`,
		a.ID, a.CostRecordID, a.Type, a.Severity, a.Status, a.Message, details, a.IsBackfill, a.DetectedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("upsert anomaly: %w", err)
	}
	return nil
}

// ListByRecord returns all anomalies for one cost record.
func (r *AnomalyRepo) ListByRecord(ctx context.Context, costRecordID string) ([]*core.Anomaly, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, cost_record_id, type, severity, status, message, details, is_backfill, detected_at, acknowledged_at
		FROM anomalies WHERE cost_record_id = $1 ORDER BY detected_at DESC`, costRecordID)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()
	return collectAnomalies(rows)
}

// ListOpen returns unresolved anomalies, newest first.
func (r *AnomalyRepo) ListOpen(ctx context.Context, limit int) ([]*core.Anomaly, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, cost_record_id, type, severity, status, message, details, is_backfill, detected_at, acknowledged_at
		FROM anomalies WHERE status = 'new' ORDER BY detected_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list open anomalies: %w", err)
	}
	defer rows.Close()
	return collectAnomalies(rows)
}

// GetByID loads one anomaly.
func (r *AnomalyRepo) GetByID(ctx context.Context, id string) (*core.Anomaly, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, cost_record_id, type, severity, status, message, details, is_backfill, detected_at, acknowledged_at
		FROM anomalies WHERE id = $1`, id)
	a, err := scanAnomaly(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "anomaly", ID: id}
	}
	return a, err
}

// SetStatus transitions triage state, stamping acknowledged_at when moving
// out of "new".
func (r *AnomalyRepo) SetStatus(ctx context.Context, id string, status core.AnomalyStatus) error {
	var ack interface{}
	if status != core.AnomalyNew {
		ack = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE anomalies SET status = $2, acknowledged_at = $3 WHERE id = $1`, id, status, ack)
	if err != nil {
		return fmt.Errorf("set anomaly status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Entity: "anomaly", ID: id}
	}
	return nil
}

func scanAnomaly(row rowScanner) (*core.Anomaly, error) {
	var a core.Anomaly
	var details []byte
	var ack sql.NullTime
	err := row.Scan(&a.ID, &a.CostRecordID, &a.Type, &a.Severity, &a.Status,
		&a.Message, &details, &a.IsBackfill, &a.DetectedAt, &ack)
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &a.Details); err != nil {
			return nil, fmt.Errorf("unmarshal anomaly details: %w", err)
		}
	}
	if ack.Valid {
		a.AcknowledgedAt = &ack.Time
	}
	return &a, nil
}

func collectAnomalies(rows *sql.Rows) ([]*core.Anomaly, error) {
	var out []*core.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
