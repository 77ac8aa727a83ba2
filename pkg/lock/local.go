package lock

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Local is an in-process Locker.
type Local struct {
	sem *semaphore.Weighted
}

// NewLocal returns an unlocked Local.
func NewLocal() *Local {
	return &Local{sem: semaphore.NewWeighted(1)}
}

func (l *Local) Lock(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, timeoutErr(err)
	}
	return func() { l.sem.Release(1) }, nil
}
