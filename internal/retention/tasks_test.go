package retention

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cost-watchdog/backend/internal/config"
	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/kv"
	"github.com/cost-watchdog/backend/internal/metrics"
)

func newRunnerFixture(t *testing.T, cfg config.RetentionConfig, archive ArchiveSink) (*Runner, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	db := &database.DB{DB: raw}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	runner := NewRunner(cfg,
		database.NewOutboxRepo(db),
		database.NewUserRepo(db),
		database.NewAuditRepo(db),
		kv.NewRedisStoreFromClient(rdb),
		archive,
		metrics.New(prometheus.NewRegistry()))
	return runner, mock, mr
}

func TestCleanBlacklistRemovesOnlyOrphans(t *testing.T) {
	cfg := config.RetentionConfig{BatchSize: 100}
	runner, _, mr := newRunnerFixture(t, cfg, nil)
	ctx := context.Background()

	// An orphan without expiry, a healthy entry with one, and an unrelated
	// persistent key that must survive.
	mr.Set("bl:jti:orphan", "1")
	mr.Set("bl:jti:healthy", "1")
	mr.SetTTL("bl:jti:healthy", time.Hour)
	mr.Set("sess:some-session", "{}")

	deleted, err := runner.cleanBlacklist(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	assert.False(t, mr.Exists("bl:jti:orphan"))
	assert.True(t, mr.Exists("bl:jti:healthy"))
	assert.True(t, mr.Exists("sess:some-session"))
}

func TestCleanAuditLogsArchivesBeforeDeleting(t *testing.T) {
	dir := t.TempDir()
	cfg := config.RetentionConfig{AuditLogDays: 365, ArchiveAuditLogs: true, BatchSize: 100}
	runner, mock, _ := newRunnerFixture(t, cfg, NewFileArchive(dir))

	old := time.Now().AddDate(-2, 0, 0)
	rows := sqlmock.NewRows([]string{
		"id", "entity_type", "entity_id", "action", "before", "after", "changes",
		"reason", "metadata", "performed_by", "performed_at", "request_id",
		"ip_address", "user_agent", "anonymized",
	}).AddRow("a-1", "user", "u-1", "auth.login", nil, nil, nil,
		"", nil, "u-1", old, "rid-1", "10.0.0.1", "curl/8", false)
	mock.ExpectQuery(`SELECT .+ FROM audit_logs`).WillReturnRows(rows)

	mock.ExpectQuery(`SELECT id FROM audit_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a-1"))
	mock.ExpectExec(`DELETE FROM audit_logs`).WillReturnResult(sqlmock.NewResult(0, 1))

	deleted, err := runner.cleanAuditLogs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// The archived entry is on disk as one JSON line.
	matches, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var entry core.AuditLog
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	assert.Equal(t, "a-1", entry.ID)
}

func TestRunAllIsolatesFailingTasks(t *testing.T) {
	cfg := config.RetentionConfig{
		OutboxDays: 30, LoginAttemptDays: 90, PasswordResetDays: 7,
		AuditLogDays: 365, BatchSize: 100,
	}
	runner, mock, mr := newRunnerFixture(t, cfg, nil)

	// Every table cleanup hits a select first; let them all return empty
	// except the outbox, which errors.
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery(`SELECT id FROM outbox_events`).WillReturnError(assertableErr{})
	mock.ExpectQuery(`SELECT id FROM login_attempts`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT id FROM password_reset_tokens`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT id FROM audit_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mr.Set("bl:jti:orphan", "1")

	results := runner.RunAll(context.Background())
	require.Len(t, results, 5)

	byTask := map[string]TaskResult{}
	for _, res := range results {
		byTask[res.Task] = res
	}
	assert.Error(t, byTask["outbox"].Err)
	assert.NoError(t, byTask["login_attempts"].Err)
	assert.NoError(t, byTask["password_reset_tokens"].Err)
	assert.NoError(t, byTask["audit_logs"].Err)
	assert.NoError(t, byTask["token_blacklist"].Err)
	assert.Equal(t, int64(1), byTask["token_blacklist"].Deleted)
}

type assertableErr struct{}

func (assertableErr) Error() string { return "outbox cleanup failed" }
