package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cost-watchdog/backend/internal/core"
)

// OutboxRepo persists transactional outbox events. Rows are inserted in the
// same transaction as the state change they describe and marked processed by
// the dispatcher after a successful enqueue.
type OutboxRepo struct {
	db *DB
}

func NewOutboxRepo(db *DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

// InsertTx writes an event inside an existing transaction.
func (r *OutboxRepo) InsertTx(ctx context.Context, tx *sql.Tx, aggregateType, aggregateID, eventType string, payload []byte) error {
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		uuid.NewString(), aggregateType, aggregateID, eventType, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// FetchUnprocessed returns the oldest unprocessed events, up to batch.
func (r *OutboxRepo) FetchUnprocessed(ctx context.Context, batch int) ([]*core.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, processed_at
		FROM outbox_events WHERE processed_at IS NULL
		ORDER BY created_at ASC LIMIT $1`, batch)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer rows.Close()

	var out []*core.OutboxEvent
	for rows.Next() {
		var ev core.OutboxEvent
		var processed sql.NullTime
		if err := rows.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType,
			&ev.Payload, &ev.CreatedAt, &processed); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		if processed.Valid {
			ev.ProcessedAt = &processed.Time
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// MarkProcessed stamps a single event once its job is enqueued.
func (r *OutboxRepo) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET processed_at = $2 WHERE id = $1 AND processed_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("mark outbox processed: %w", err)
	}
	return nil
}

// DeleteProcessedBefore removes processed events older than the cutoff in
// id batches (select then delete), returning the total removed.
func (r *OutboxRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	return batchDelete(ctx, r.db, batch, `
		SELECT id FROM outbox_events
		WHERE processed_at IS NOT NULL AND processed_at < $1 LIMIT $2`, cutoff,
		`DELETE FROM outbox_events WHERE id = ANY($1)`)
}
