package retention

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler fires the retention run on its cron schedule. A run still in
// progress when the next fire comes due makes that fire a no-op; runs are
// never queued up behind each other.
type taskRunner interface {
	RunAll(ctx context.Context) []TaskResult
}

type Scheduler struct {
	schedule *Schedule
	runner   taskRunner
	logger   *log.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
}

func NewScheduler(schedule *Schedule, runner taskRunner) *Scheduler {
	return &Scheduler{
		schedule: schedule,
		runner:   runner,
		logger:   log.New(log.Writer(), "[Retention] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Run blocks until the context is canceled, firing at each scheduled
// minute.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.schedule.Next(s.now())
		s.logger.Printf("next run at %s", next.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(s.now())):
			s.fire(ctx)
		}
	}
}

// fire starts one run unless the previous one is still going.
func (s *Scheduler) fire(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Printf("previous run still in progress, skipping this fire")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	results := s.runner.RunAll(ctx)
	for _, res := range results {
		if res.Err != nil {
			s.logger.Printf("task %s failed after %dms: %v", res.Task, res.DurationMs, res.Err)
			continue
		}
		s.logger.Printf("task %s deleted %d rows in %dms", res.Task, res.Deleted, res.DurationMs)
	}
}
