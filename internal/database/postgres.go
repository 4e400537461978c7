// Package database owns all Postgres access: connection setup, embedded
// goose migrations, the transaction helper, and one repository type per
// aggregate. The DB is the source of truth for durable state; external
// effects leave it only through the outbox table.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"

	"github.com/cost-watchdog/backend/internal/core"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps the sql handle with the helpers the repositories share.
type DB struct {
	*sql.DB
}

// Open connects, pings and configures the pool.
func Open(url string) (*DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &core.DependencyError{Dependency: "postgres", Err: err}
	}
	return &DB{DB: db}, nil
}

// Migrate applies the embedded migrations.
func (d *DB) Migrate() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(d.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// WithTx runs fn in a transaction, rolling back on error or panic.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Advisory lock ids. Session-scoped locks serialize the outbox poller and
// full aggregate rebuilds across processes.
const (
	LockOutboxDispatcher = int64(0x636f7374_0001)
	LockAggregateRebuild = int64(0x636f7374_0002)
)

// AdvisoryLock is a held session advisory lock. Session locks are scoped to
// the Postgres connection they were taken on, so the handle pins one pooled
// connection from acquisition until Release; lock and unlock must never run
// through the pool, where they would land on different connections.
type AdvisoryLock struct {
	conn *sql.Conn
	id   int64
}

// TryAdvisoryLock attempts a session advisory lock without blocking. It
// returns a nil handle when the lock is held elsewhere. A non-nil handle
// keeps its connection out of the pool until Release.
func (d *DB) TryAdvisoryLock(ctx context.Context, id int64) (*AdvisoryLock, error) {
	conn, err := d.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock %d: %w", id, err)
	}
	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&got); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock %d: %w", id, err)
	}
	if !got {
		conn.Close()
		return nil, nil
	}
	return &AdvisoryLock{conn: conn, id: id}, nil
}

// Release unlocks on the pinned connection and returns it to the pool.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	defer l.conn.Close()
	var released bool
	if err := l.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, l.id).Scan(&released); err != nil {
		return fmt.Errorf("advisory unlock %d: %w", l.id, err)
	}
	if !released {
		return fmt.Errorf("advisory unlock %d: lock was not held on this connection", l.id)
	}
	return nil
}
