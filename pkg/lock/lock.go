// Package lock provides the global claim lock used by the dispatch
// coordinator.
//
// A single process can use Local. Deployments running several coordinator
// processes against one store must use Redis or Postgres so claims stay
// mutually exclusive across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrLockTimeout is returned when the lock could not be acquired before the
// wait deadline or the caller's context ended.
var ErrLockTimeout = errors.New("lock wait timed out")

// Kind names a Locker implementation in configuration.
type Kind string

const (
	KindLocal    Kind = "local"
	KindRedis    Kind = "redis"
	KindPostgres Kind = "postgres"
)

// ParseKind parses a configured lock kind. Empty selects KindLocal.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindLocal, nil
	case KindLocal, KindRedis, KindPostgres:
		return k, nil
	default:
		return "", fmt.Errorf("unknown lock kind %q (want local, redis or postgres)", s)
	}
}

// Locker is a mutual-exclusion lock with a bounded wait.
//
// Lock blocks until the lock is held, ctx is done, or the implementation's
// wait bound elapses; the latter two return an error matching ErrLockTimeout.
// The returned unlock func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// WithTimeout bounds every Lock call on l by d in addition to the caller's
// context. d <= 0 returns l unchanged.
func WithTimeout(l Locker, d time.Duration) Locker {
	if d <= 0 {
		return l
	}
	return timeoutLocker{inner: l, d: d}
}

type timeoutLocker struct {
	inner Locker
	d     time.Duration
}

func (t timeoutLocker) Lock(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.Lock(ctx)
}

func timeoutErr(cause error) error {
	if cause == nil {
		return ErrLockTimeout
	}
	return fmt.Errorf("%w: %w", ErrLockTimeout, cause)
}
