package retention

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingRunner struct {
	started atomic.Int64
	release chan struct{}
}

func (r *blockingRunner) RunAll(ctx context.Context) []TaskResult {
	r.started.Add(1)
	<-r.release
	return nil
}

func TestSchedulerDropsConcurrentFires(t *testing.T) {
	schedule, err := ParseSchedule("* * * * *")
	require.NoError(t, err)
	runner := &blockingRunner{release: make(chan struct{})}
	s := NewScheduler(schedule, runner)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.fire(context.Background())
	}()

	// Wait for the first run to be in flight, then fire again.
	deadline := time.Now().Add(time.Second)
	for runner.started.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, int64(1), runner.started.Load())

	s.fire(context.Background())
	assert.Equal(t, int64(1), runner.started.Load(), "overlapping fire must be dropped")

	close(runner.release)
	wg.Wait()

	// With the first run finished, the next fire starts normally.
	runner.release = make(chan struct{})
	close(runner.release)
	s.fire(context.Background())
	assert.Equal(t, int64(2), runner.started.Load())
}
