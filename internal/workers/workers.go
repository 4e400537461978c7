// Package workers binds the queue consumers to their handlers. The worker
// binary starts all pools; concurrency and rate limits are fixed per queue.
package workers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/cost-watchdog/backend/internal/aggregate"
	"github.com/cost-watchdog/backend/internal/alerts"
	"github.com/cost-watchdog/backend/internal/anomaly"
	"github.com/cost-watchdog/backend/internal/ingest"
	"github.com/cost-watchdog/backend/internal/metrics"
	"github.com/cost-watchdog/backend/internal/queue"
)

// Pool concurrency per queue. Extraction is the heaviest (PDF parsing),
// anomaly detection the most parallel; alert delivery is additionally
// rate capped so a burst cannot flood the webhooks.
const (
	extractionConcurrency  = 2
	anomalyConcurrency     = 5
	aggregationConcurrency = 3
	alertsConcurrency      = 3
	alertsRatePerSecond    = 20
)

const depthSampleInterval = 15 * time.Second

type extractionJob struct {
	DocumentID string `json:"document_id"`
}

type recordJob struct {
	CostRecordID string `json:"cost_record_id"`
	IsBackfill   bool   `json:"is_backfill,omitempty"`
	Rebuild      bool   `json:"rebuild,omitempty"`
}

// Workers owns the consumer pools.
type Workers struct {
	queues     *queue.Queues
	ingest     *ingest.Service
	anomaly    *anomaly.Service
	aggregator *aggregate.Aggregator
	alerts     *alerts.Worker
	metrics    *metrics.Metrics
	logger     *log.Logger
}

func New(queues *queue.Queues, ingestSvc *ingest.Service, anomalySvc *anomaly.Service, aggregator *aggregate.Aggregator, alertWorker *alerts.Worker, m *metrics.Metrics) *Workers {
	return &Workers{
		queues:     queues,
		ingest:     ingestSvc,
		anomaly:    anomalySvc,
		aggregator: aggregator,
		alerts:     alertWorker,
		metrics:    m,
		logger:     log.New(log.Writer(), "[Workers] ", log.LstdFlags),
	}
}

// Start launches every consumer pool and the queue-depth sampler. Pools
// stop when the context is canceled; Shutdown waits for in-flight jobs.
func (w *Workers) Start(ctx context.Context) {
	w.queues.Consume(ctx, queue.QueueExtraction, w.handleExtraction,
		queue.ConsumeOptions{Concurrency: extractionConcurrency})
	w.queues.Consume(ctx, queue.QueueAnomaly, w.handleAnomaly,
		queue.ConsumeOptions{Concurrency: anomalyConcurrency})
	w.queues.Consume(ctx, queue.QueueAggregation, w.handleAggregation,
		queue.ConsumeOptions{Concurrency: aggregationConcurrency})
	w.queues.Consume(ctx, queue.QueueAlerts, w.handleAlerts,
		queue.ConsumeOptions{Concurrency: alertsConcurrency, RatePerSecond: alertsRatePerSecond})

	go w.sampleDepths(ctx)
}

// Shutdown drains the pools.
func (w *Workers) Shutdown() {
	w.queues.Shutdown()
}

func (w *Workers) handleExtraction(ctx context.Context, job *queue.Job) error {
	var payload extractionJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.DocumentID == "" {
		w.logger.Printf("dropping malformed extraction job %s", job.ID)
		return nil
	}
	_, err := w.ingest.Reprocess(ctx, payload.DocumentID)
	w.observe(queue.QueueExtraction, err)
	return err
}

func (w *Workers) handleAnomaly(ctx context.Context, job *queue.Job) error {
	var payload recordJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.CostRecordID == "" {
		w.logger.Printf("dropping malformed anomaly job %s", job.ID)
		return nil
	}
	err := w.anomaly.Process(ctx, payload.CostRecordID, payload.IsBackfill)
	w.observe(queue.QueueAnomaly, err)
	return err
}

func (w *Workers) handleAggregation(ctx context.Context, job *queue.Job) error {
	var payload recordJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Printf("dropping malformed aggregation job %s", job.ID)
		return nil
	}

	var err error
	switch {
	case payload.Rebuild:
		err = w.aggregator.Rebuild(ctx)
	case payload.CostRecordID != "":
		err = w.aggregator.Apply(ctx, payload.CostRecordID)
	default:
		w.logger.Printf("dropping aggregation job %s without record id", job.ID)
		return nil
	}
	w.observe(queue.QueueAggregation, err)
	return err
}

func (w *Workers) handleAlerts(ctx context.Context, job *queue.Job) error {
	err := w.alerts.Handle(ctx, job.Payload)
	w.observe(queue.QueueAlerts, err)
	return err
}

func (w *Workers) observe(queueName string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	w.metrics.JobsProcessed.WithLabelValues(queueName, outcome).Inc()
}

// sampleDepths exports the backlog per queue.
func (w *Workers) sampleDepths(ctx context.Context) {
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()

	names := []string{queue.QueueExtraction, queue.QueueAnomaly, queue.QueueAggregation, queue.QueueAlerts}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range names {
				depth, err := w.queues.Depth(ctx, name)
				if err != nil {
					continue
				}
				w.metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
			}
		}
	}
}
