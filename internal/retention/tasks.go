package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cost-watchdog/backend/internal/config"
	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/kv"
	"github.com/cost-watchdog/backend/internal/metrics"
)

const archivePageSize = 500

// TaskResult is the outcome of one retention task.
type TaskResult struct {
	Task       string
	Deleted    int64
	DurationMs int64
	Err        error
}

// ArchiveSink receives audit entries before they are deleted.
type ArchiveSink interface {
	Archive(ctx context.Context, entries []*core.AuditLog) error
}

// FileArchive appends audit entries as JSON lines, one file per day.
type FileArchive struct {
	dir string
	mu  sync.Mutex
}

func NewFileArchive(dir string) *FileArchive {
	return &FileArchive{dir: dir}
}

func (f *FileArchive) Archive(ctx context.Context, entries []*core.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0o750); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(f.dir, "audit-"+time.Now().UTC().Format("20060102")+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("write archive entry: %w", err)
		}
	}
	return nil
}

// Runner executes the retention tasks concurrently.
type Runner struct {
	cfg     config.RetentionConfig
	outbox  *database.OutboxRepo
	users   *database.UserRepo
	audit   *database.AuditRepo
	kv      kv.Store
	archive ArchiveSink
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRunner(cfg config.RetentionConfig, outbox *database.OutboxRepo, users *database.UserRepo, audit *database.AuditRepo, store kv.Store, archive ArchiveSink, m *metrics.Metrics) *Runner {
	return &Runner{
		cfg:     cfg,
		outbox:  outbox,
		users:   users,
		audit:   audit,
		kv:      store,
		archive: archive,
		metrics: m,
		now:     time.Now,
	}
}

// RunAll executes every task concurrently and returns all results. One
// failing task never blocks the others.
func (r *Runner) RunAll(ctx context.Context) []TaskResult {
	tasks := []struct {
		name string
		fn   func(context.Context) (int64, error)
	}{
		{"outbox", r.cleanOutbox},
		{"login_attempts", r.cleanLoginAttempts},
		{"password_reset_tokens", r.cleanResetTokens},
		{"audit_logs", r.cleanAuditLogs},
		{"token_blacklist", r.cleanBlacklist},
	}

	results := make([]TaskResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, name string, fn func(context.Context) (int64, error)) {
			defer wg.Done()
			start := time.Now()
			deleted, err := fn(ctx)
			results[i] = TaskResult{
				Task:       name,
				Deleted:    deleted,
				DurationMs: time.Since(start).Milliseconds(),
				Err:        err,
			}
			if err == nil && deleted > 0 {
				r.metrics.RetentionDeleted.WithLabelValues(name).Add(float64(deleted))
			}
		}(i, task.name, task.fn)
	}
	wg.Wait()
	return results
}

func (r *Runner) cleanOutbox(ctx context.Context) (int64, error) {
	cutoff := r.now().AddDate(0, 0, -r.cfg.OutboxDays)
	return r.outbox.DeleteProcessedBefore(ctx, cutoff, r.cfg.BatchSize)
}

func (r *Runner) cleanLoginAttempts(ctx context.Context) (int64, error) {
	cutoff := r.now().AddDate(0, 0, -r.cfg.LoginAttemptDays)
	return r.users.DeleteLoginAttemptsBefore(ctx, cutoff, r.cfg.BatchSize)
}

func (r *Runner) cleanResetTokens(ctx context.Context) (int64, error) {
	cutoff := r.now().AddDate(0, 0, -r.cfg.PasswordResetDays)
	return r.users.DeleteExpiredResetTokens(ctx, cutoff, r.cfg.BatchSize)
}

// cleanAuditLogs archives entries page by page before deleting, so a crash
// mid-run loses nothing: unarchived rows stay in the table.
func (r *Runner) cleanAuditLogs(ctx context.Context) (int64, error) {
	cutoff := r.now().AddDate(0, 0, -r.cfg.AuditLogDays)

	if !r.cfg.ArchiveAuditLogs || r.archive == nil {
		return r.audit.DeleteBefore(ctx, cutoff, r.cfg.BatchSize)
	}

	var total int64
	for {
		page, err := r.audit.SelectBefore(ctx, cutoff, archivePageSize)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}
		if err := r.archive.Archive(ctx, page); err != nil {
			return total, err
		}
		// Delete exactly what was archived: everything up to and
		// including the last entry of the page.
		deleted, err := r.audit.DeleteBefore(ctx, page[len(page)-1].PerformedAt.Add(time.Microsecond), archivePageSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if len(page) < archivePageSize {
			return total, nil
		}
	}
}

// cleanBlacklist removes bl:jti keys that lost their expiry. SetEx always
// attaches one, so a persistent key is debris from a partial write.
func (r *Runner) cleanBlacklist(ctx context.Context) (int64, error) {
	var deleted int64
	err := r.kv.Scan(ctx, "bl:jti:*", 200, func(key string) error {
		ttl, err := r.kv.TTL(ctx, key)
		if err != nil {
			return err
		}
		if ttl == -1 {
			if err := r.kv.Del(ctx, key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
