// Package queue implements named durable queues on Redis: at-least-once
// delivery with visibility-timeout leases, exponential retry backoff,
// per-consumer rate limiting and dead-lettering.
//
// Layout per queue <n>:
//
//	q:<n>            list of ready job ids
//	q:<n>:jobs       hash id → job JSON
//	q:<n>:delayed    zset id → ready-at (ms), retries and delayed enqueues
//	q:<n>:processing list of leased job ids
//	q:<n>:leases     zset id → lease deadline (ms)
//	q:<n>:dead       list of dead-lettered job ids
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names used by the pipeline.
const (
	QueueExtraction  = "extraction"
	QueueAnomaly     = "anomaly-detection"
	QueueAggregation = "aggregation"
	QueueAlerts      = "alerts"
)

// Retry policy: base 1 s, factor 2, cap 5 min, 10 attempts, then dead-letter.
const (
	defaultMaxAttempts = 10
	backoffBase        = 1 * time.Second
	backoffCap         = 5 * time.Minute
	defaultVisibility  = 2 * time.Minute
)

// Job is one unit of work. Payload is consumer-defined JSON.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	MaxAttempt int             `json:"max_attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
}

// ConsumeOptions declare a consumer pool.
type ConsumeOptions struct {
	Concurrency int
	// RatePerSecond caps handler invocations across the pool. 0 = unlimited.
	RatePerSecond int
	// Visibility is the lease duration before an unacked job is retried.
	Visibility time.Duration
}

// Handler processes one job. A nil return acks the job; an error schedules
// a retry (or dead-letters after max attempts).
type Handler func(ctx context.Context, job *Job) error

// Queues is the substrate handle shared by producers and consumers.
type Queues struct {
	rdb    *redis.Client
	logger *log.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// New creates the substrate on an existing Redis client.
func New(rdb *redis.Client) *Queues {
	return &Queues{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
	}
}

// Enqueue adds a job to the named queue, optionally delayed.
func (q *Queues) Enqueue(ctx context.Context, queue string, payload interface{}, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	job := &Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Payload:    raw,
		Attempt:    0,
		MaxAttempt: maxAttempts,
		EnqueuedAt: time.Now().UTC(),
	}
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, keyJobs(queue), job.ID, jobJSON)
	if opts.Delay > 0 {
		readyAt := time.Now().Add(opts.Delay).UnixMilli()
		pipe.ZAdd(ctx, keyDelayed(queue), redis.Z{Score: float64(readyAt), Member: job.ID})
	} else {
		pipe.LPush(ctx, keyReady(queue), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return job.ID, nil
}

// Consume starts a worker pool on the named queue. It returns immediately;
// workers run until the context is canceled or Shutdown is called.
func (q *Queues) Consume(ctx context.Context, queue string, handler Handler, opts ConsumeOptions) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Visibility <= 0 {
		opts.Visibility = defaultVisibility
	}

	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancels = append(q.cancels, cancel)
	q.mu.Unlock()

	var tokens chan struct{}
	if opts.RatePerSecond > 0 {
		tokens = make(chan struct{}, opts.RatePerSecond)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			tick := time.NewTicker(time.Second / time.Duration(opts.RatePerSecond))
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					select {
					case tokens <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	// One housekeeping loop per consumer group: promote due delayed jobs
	// and reclaim expired leases.
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				q.promoteDue(ctx, queue)
				q.reclaimExpired(ctx, queue)
			}
		}
	}()

	for i := 0; i < opts.Concurrency; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			q.runWorker(ctx, queue, worker, handler, tokens, opts.Visibility)
		}(i)
	}

	q.logger.Printf("consuming %q (concurrency=%d rate=%d/s)", queue, opts.Concurrency, opts.RatePerSecond)
}

// Shutdown cancels all consumers and waits for in-flight handlers.
func (q *Queues) Shutdown() {
	q.mu.Lock()
	for _, cancel := range q.cancels {
		cancel()
	}
	q.cancels = nil
	q.mu.Unlock()
	q.wg.Wait()
}

// Depth returns the number of ready jobs in a queue.
func (q *Queues) Depth(ctx context.Context, queue string) (int64, error) {
	return q.rdb.LLen(ctx, keyReady(queue)).Result()
}

// DeadLetters returns the dead-lettered jobs of a queue, newest first.
func (q *Queues) DeadLetters(ctx context.Context, queue string, limit int64) ([]*Job, error) {
	ids, err := q.rdb.LRange(ctx, keyDead(queue), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		raw, err := q.rdb.HGet(ctx, keyJobs(queue), id).Result()
		if err != nil {
			continue
		}
		var job Job
		if json.Unmarshal([]byte(raw), &job) == nil {
			jobs = append(jobs, &job)
		}
	}
	return jobs, nil
}

func (q *Queues) runWorker(ctx context.Context, queue string, worker int, handler Handler, tokens chan struct{}, visibility time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		if tokens != nil {
			select {
			case <-ctx.Done():
				return
			case <-tokens:
			}
		}

		id, err := q.rdb.BRPopLPush(ctx, keyReady(queue), keyProcessing(queue), time.Second).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Printf("pop %q failed: %v", queue, err)
			time.Sleep(time.Second)
			continue
		}

		deadline := time.Now().Add(visibility).UnixMilli()
		q.rdb.ZAdd(ctx, keyLeases(queue), redis.Z{Score: float64(deadline), Member: id})

		job, err := q.loadJob(ctx, queue, id)
		if err != nil {
			// Orphan id without a body: drop the lease.
			q.ackRemove(ctx, queue, id)
			continue
		}

		job.Attempt++
		hErr := handler(ctx, job)
		if hErr == nil {
			q.ackRemove(ctx, queue, id)
			q.rdb.HDel(ctx, keyJobs(queue), id)
			continue
		}

		q.logger.Printf("job %s on %q failed (attempt %d/%d): %v", id, queue, job.Attempt, job.MaxAttempt, hErr)
		q.retryOrBury(ctx, queue, job)
	}
}

// retryOrBury reschedules a failed job with exponential backoff, or moves it
// to the dead-letter list once attempts are exhausted.
func (q *Queues) retryOrBury(ctx context.Context, queue string, job *Job) {
	jobJSON, err := json.Marshal(job)
	if err != nil {
		q.logger.Printf("marshal job %s: %v", job.ID, err)
		return
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, keyProcessing(queue), 1, job.ID)
	pipe.ZRem(ctx, keyLeases(queue), job.ID)
	pipe.HSet(ctx, keyJobs(queue), job.ID, jobJSON)
	if job.Attempt >= job.MaxAttempt {
		pipe.LPush(ctx, keyDead(queue), job.ID)
	} else {
		readyAt := time.Now().Add(Backoff(job.Attempt)).UnixMilli()
		pipe.ZAdd(ctx, keyDelayed(queue), redis.Z{Score: float64(readyAt), Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Printf("retry bookkeeping for %s: %v", job.ID, err)
	}
	if job.Attempt >= job.MaxAttempt {
		q.logger.Printf("dead-lettered job %s on %q after %d attempts", job.ID, queue, job.Attempt)
	}
}

func (q *Queues) ackRemove(ctx context.Context, queue, id string) {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, keyProcessing(queue), 1, id)
	pipe.ZRem(ctx, keyLeases(queue), id)
	pipe.Exec(ctx)
}

func (q *Queues) loadJob(ctx context.Context, queue, id string) (*Job, error) {
	raw, err := q.rdb.HGet(ctx, keyJobs(queue), id).Result()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// promoteDue moves delayed jobs whose ready-at has passed onto the ready list.
func (q *Queues) promoteDue(ctx context.Context, queue string) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, keyDelayed(queue), &redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, keyDelayed(queue), id)
		pipe.LPush(ctx, keyReady(queue), id)
	}
	pipe.Exec(ctx)
}

// reclaimExpired requeues jobs whose lease deadline passed without an ack
// (crashed or stalled worker).
func (q *Queues) reclaimExpired(ctx context.Context, queue string) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, keyLeases(queue), &redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		job, err := q.loadJob(ctx, queue, id)
		if err != nil {
			q.ackRemove(ctx, queue, id)
			continue
		}
		job.Attempt++ // a lost lease counts as a failed attempt
		q.logger.Printf("reclaiming expired lease for job %s on %q", id, queue)
		q.retryOrBury(ctx, queue, job)
	}
}

// Backoff returns the retry delay after the given attempt count:
// 1s, 2s, 4s, ... capped at 5 minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(backoffBase) * math.Pow(2, float64(attempt-1)))
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

func keyReady(q string) string      { return "q:" + q }
func keyJobs(q string) string       { return "q:" + q + ":jobs" }
func keyDelayed(q string) string    { return "q:" + q + ":delayed" }
func keyProcessing(q string) string { return "q:" + q + ":processing" }
func keyLeases(q string) string     { return "q:" + q + ":leases" }
func keyDead(q string) string       { return "q:" + q + ":dead" }
