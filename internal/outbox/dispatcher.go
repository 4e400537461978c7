// Package outbox moves committed events from the database onto the queues.
// The transactional outbox is what keeps persistence and job delivery
// atomic: producers write event rows inside their transaction, this
// dispatcher does the enqueueing afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/metrics"
	"github.com/cost-watchdog/backend/internal/queue"
)

const (
	defaultBatch        = 100
	defaultPollInterval = 2 * time.Second
)

// Enqueuer is the slice of the queue API the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, q string, payload interface{}, opts queue.EnqueueOptions) (string, error)
}

// Dispatcher polls unprocessed outbox rows and hands them to the queues.
// Only one instance dispatches at a time, guarded by an advisory lock;
// delivery is at-least-once and downstream consumers are idempotent.
type Dispatcher struct {
	db       *database.DB
	outbox   *database.OutboxRepo
	queues   Enqueuer
	metrics  *metrics.Metrics
	logger   *log.Logger
	batch    int
	interval time.Duration
	now      func() time.Time
}

func NewDispatcher(db *database.DB, repo *database.OutboxRepo, queues Enqueuer, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		db:       db,
		outbox:   repo,
		queues:   queues,
		metrics:  m,
		logger:   log.New(log.Writer(), "[Outbox] ", log.LstdFlags),
		batch:    defaultBatch,
		interval: defaultPollInterval,
		now:      time.Now,
	}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.logger.Printf("dispatch: %v", err)
			}
		}
	}
}

// DispatchOnce processes at most one batch. Returns the number of events
// dispatched. A second instance that fails to take the lock returns 0.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	lock, err := d.db.TryAdvisoryLock(ctx, database.LockOutboxDispatcher)
	if err != nil {
		return 0, err
	}
	if lock == nil {
		return 0, nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			d.logger.Printf("release dispatcher lock: %v", err)
		}
	}()

	events, err := d.outbox.FetchUnprocessed(ctx, d.batch)
	if err != nil {
		return 0, err
	}
	d.metrics.OutboxLag.Set(float64(len(events)))

	dispatched := 0
	for _, ev := range events {
		if err := d.dispatch(ctx, ev); err != nil {
			// Leave the row unprocessed; the next poll retries it.
			d.logger.Printf("event %s (%s): %v", ev.ID, ev.EventType, err)
			continue
		}
		if err := d.outbox.MarkProcessed(ctx, ev.ID, d.now().UTC()); err != nil {
			return dispatched, err
		}
		d.metrics.OutboxDispatched.Inc()
		dispatched++
	}
	return dispatched, nil
}

// dispatch routes one event to its queues. Unknown event types are dropped
// after logging so a poison row cannot wedge the whole outbox.
func (d *Dispatcher) dispatch(ctx context.Context, ev *core.OutboxEvent) error {
	switch ev.EventType {
	case core.EventCostRecordCreated:
		if _, err := d.queues.Enqueue(ctx, queue.QueueAnomaly, json.RawMessage(ev.Payload), queue.EnqueueOptions{}); err != nil {
			return err
		}
		_, err := d.queues.Enqueue(ctx, queue.QueueAggregation, json.RawMessage(ev.Payload), queue.EnqueueOptions{})
		return err
	case core.EventAnomalyDetected:
		_, err := d.queues.Enqueue(ctx, queue.QueueAlerts, json.RawMessage(ev.Payload), queue.EnqueueOptions{})
		return err
	case core.EventDocumentUploaded:
		// The extraction consumer re-runs the document through its
		// connector; the invoice dedup key makes redelivery idempotent.
		_, err := d.queues.Enqueue(ctx, queue.QueueExtraction, json.RawMessage(ev.Payload), queue.EnqueueOptions{})
		return err
	default:
		d.logger.Printf("unknown event type %q for event %s, marking processed", ev.EventType, ev.ID)
		return nil
	}
}
