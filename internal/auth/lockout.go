package auth

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cost-watchdog/backend/internal/kv"
)

// Progressive lockout: 5 failures inside 15 minutes locks the account for
// 15 minutes times the lockout count; the third lockout is permanent until
// an admin clears it. All state is keyed by lowercased email in the KV
// store and updated only through atomic primitives.
const (
	lockoutMaxFailures   = 5
	lockoutWindow        = 15 * time.Minute
	lockoutBaseDuration  = 15 * time.Minute
	lockoutPermanentAt   = 3
	lockoutCountLifetime = 24 * time.Hour
)

func keyFailures(email string) string  { return "lockout:fail:" + email }
func keyLockedUntil(email string) string { return "lockout:until:" + email }
func keyLockCount(email string) string { return "lockout:count:" + email }
func keyPermanent(email string) string { return "lockout:perm:" + email }

// LockState describes whether and how an identity is locked.
type LockState struct {
	Locked     bool
	Permanent  bool
	RetryAfter int // seconds; 0 when permanent
}

// Lockout tracks failed logins per email.
type Lockout struct {
	kv  kv.Store
	now func() time.Time
}

func NewLockout(store kv.Store) *Lockout {
	return &Lockout{kv: store, now: time.Now}
}

// Check reports the current lock state without mutating anything.
func (l *Lockout) Check(ctx context.Context, email string) (LockState, error) {
	email = strings.ToLower(email)

	perm, err := l.kv.Exists(ctx, keyPermanent(email))
	if err != nil {
		return LockState{}, err
	}
	if perm {
		return LockState{Locked: true, Permanent: true}, nil
	}

	raw, err := l.kv.Get(ctx, keyLockedUntil(email))
	if err == kv.ErrNotFound {
		return LockState{}, nil
	}
	if err != nil {
		return LockState{}, err
	}
	until, convErr := strconv.ParseInt(raw, 10, 64)
	if convErr != nil {
		return LockState{}, nil
	}
	remaining := until - l.now().Unix()
	if remaining <= 0 {
		return LockState{}, nil
	}
	return LockState{Locked: true, RetryAfter: int(remaining)}, nil
}

// RecordFailure counts one failed attempt. Crossing the threshold converts
// the failures into a lock and resets the counter; the increment itself is
// a single INCR-with-expiry pipeline, so concurrent failures cannot race
// past the threshold unseen.
func (l *Lockout) RecordFailure(ctx context.Context, email string) (LockState, error) {
	email = strings.ToLower(email)

	failures, err := l.kv.IncrWithWindow(ctx, keyFailures(email), lockoutWindow)
	if err != nil {
		return LockState{}, err
	}
	if failures < lockoutMaxFailures {
		return LockState{}, nil
	}

	lockCount, err := l.kv.Incr(ctx, keyLockCount(email))
	if err != nil {
		return LockState{}, err
	}
	if err := l.kv.Expire(ctx, keyLockCount(email), lockoutCountLifetime); err != nil {
		return LockState{}, err
	}

	if err := l.kv.Del(ctx, keyFailures(email)); err != nil {
		return LockState{}, err
	}

	if lockCount >= lockoutPermanentAt {
		if err := l.kv.Set(ctx, keyPermanent(email), "1"); err != nil {
			return LockState{}, err
		}
		return LockState{Locked: true, Permanent: true}, nil
	}

	duration := time.Duration(lockCount) * lockoutBaseDuration
	until := l.now().Add(duration).Unix()
	if err := l.kv.SetEx(ctx, keyLockedUntil(email), strconv.FormatInt(until, 10), duration); err != nil {
		return LockState{}, err
	}
	return LockState{Locked: true, RetryAfter: int(duration / time.Second)}, nil
}

// Reset clears the failure counter after a successful login. Lockout counts
// age out on their own so repeat offenders still escalate.
func (l *Lockout) Reset(ctx context.Context, email string) error {
	email = strings.ToLower(email)
	return l.kv.Del(ctx, keyFailures(email), keyLockedUntil(email))
}

// AdminUnlock clears every lockout artifact, including a permanent lock.
func (l *Lockout) AdminUnlock(ctx context.Context, email string) error {
	email = strings.ToLower(email)
	return l.kv.Del(ctx,
		keyFailures(email), keyLockedUntil(email),
		keyLockCount(email), keyPermanent(email))
}
