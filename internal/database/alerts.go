package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cost-watchdog/backend/internal/core"
)

// AlertRepo persists outbound alert rows and serves the daily-cap counter.
type AlertRepo struct {
	db *DB
}

func NewAlertRepo(db *DB) *AlertRepo {
	return &AlertRepo{db: db}
}

const alertCols = `id, anomaly_id, channel, recipient, status, sent_at, error_message, created_at`

// Insert creates a pending alert.
func (r *AlertRepo) Insert(ctx context.Context, a *core.Alert) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.AnomalyID, a.Channel, a.Recipient, a.Status, a.SentAt, a.ErrorMessage, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// GetByID loads one alert.
func (r *AlertRepo) GetByID(ctx context.Context, id string) (*core.Alert, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+alertCols+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "alert", ID: id}
	}
	return a, err
}

// MarkSent transitions a pending alert to sent.
func (r *AlertRepo) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE alerts SET status = 'sent', sent_at = $2, error_message = '' WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark alert sent: %w", err)
	}
	return nil
}

// MarkFailed records the delivery failure.
func (r *AlertRepo) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE alerts SET status = 'failed', error_message = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("mark alert failed: %w", err)
	}
	return nil
}

// CountSentToday counts alerts delivered since local midnight UTC. The alert
// worker uses this for the daily cap.
func (r *AlertRepo) CountSentToday(ctx context.Context, now time.Time) (int, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE status = 'sent' AND sent_at >= $1`, midnight).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sent alerts: %w", err)
	}
	return n, nil
}

// ListByAnomaly returns all alerts emitted for an anomaly.
func (r *AlertRepo) ListByAnomaly(ctx context.Context, anomalyID string) ([]*core.Alert, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+alertCols+` FROM alerts WHERE anomaly_id = $1 ORDER BY created_at ASC`, anomalyID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []*core.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAlert(row rowScanner) (*core.Alert, error) {
	var a core.Alert
	var sentAt sql.NullTime
	err := row.Scan(&a.ID, &a.AnomalyID, &a.Channel, &a.Recipient, &a.Status, &sentAt, &a.ErrorMessage, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if sentAt.Valid {
		a.SentAt = &sentAt.Time
	}
	return &a, nil
}
