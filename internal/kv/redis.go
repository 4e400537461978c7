// Package kv provides the short-TTL key-value store used for sessions,
// lockouts, rate-limit windows, token blacklists and token-family state.
//
// The adapter wraps go-redis v9 behind the narrow Store interface so the
// auth core and middleware never see a *redis.Client, and tests can run
// against miniredis.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cost-watchdog/backend/internal/core"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("kv: key not found")

// Store is the flat-namespaced key-value contract. All keys use ":"
// separators (sess:<jti>, lockout:attempts:<email>, rl:<scope>:<key>, ...).
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Incr(ctx context.Context, key string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// SlidingWindowCount prunes entries older than the window from the
	// sorted set, records now, and returns the resulting cardinality.
	// Executed as one pipeline so concurrent callers cannot interleave.
	SlidingWindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)

	// IncrWithWindow increments a counter, setting the expiry only when the
	// key is created. Used by the lockout logic; no check-then-set race.
	IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	Scan(ctx context.Context, pattern string, count int64, fn func(key string) error) error

	Ping(ctx context.Context) error
	Close() error
}

// RedisStore implements Store on go-redis v9.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects and pings. Callers decide whether a failed ping is
// fatal (server) or retried (worker).
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, &core.DependencyError{Dependency: "redis", Err: fmt.Errorf("ping %s: %w", addr, err)}
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client (tests, shared pools).
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrap(err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return wrap(s.rdb.Set(ctx, key, value, 0).Err())
}

func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(s.rdb.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap(s.rdb.Del(ctx, keys...).Err())
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(s.rdb.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	return d, wrap(err)
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	return n, wrap(err)
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, wrap(err)
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(s.rdb.SAdd(ctx, key, args...).Err())
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(s.rdb.SRem(ctx, key, args...).Err())
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, key).Result()
	return vals, wrap(err)
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, key, member).Result()
	return ok, wrap(err)
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.SCard(ctx, key).Result()
	return n, wrap(err)
}

func (s *RedisStore) SlidingWindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	cutoff := now.Add(-window).UnixMilli()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.UnixMilli())

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrap(err)
	}
	return card.Val(), nil
}

func (s *RedisStore) IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrap(err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) Scan(ctx context.Context, pattern string, count int64, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return wrap(err)
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return wrap(s.rdb.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return &core.DependencyError{Dependency: "redis", Err: err}
}
