// Package dispatch hands queued jobs to polling runners.
//
// Every claim runs under one global lock so a queued job is handed to at
// most one runner. A lock wait that times out or is cancelled means "no job
// this poll", never an error.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/runnerhub/pkg/jobs"
	"github.com/3leaps/runnerhub/pkg/lock"
	"github.com/3leaps/runnerhub/pkg/store"
)

// NoLanguageMessage is stored on claimed jobs that carry no language.
const NoLanguageMessage = "job has no language; runner cannot execute it"

// Claim outcomes reported to Metrics.
const (
	OutcomeClaimed     = "claimed"
	OutcomeEmpty       = "empty"
	OutcomeLockTimeout = "lock_timeout"
	OutcomeRejected    = "rejected"
	OutcomeError       = "error"
)

// Metrics observes claim attempts.
type Metrics interface {
	ObserveClaim(outcome string, d time.Duration)
	ObserveExpired(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveClaim(string, time.Duration) {}
func (nopMetrics) ObserveExpired(int)                 {}

// Claim identifies the polling runner.
type Claim struct {
	TenantID  string
	ProjectID *int64
	Languages []string
	RunnerID  string
}

// Config tunes the coordinator and its sweeper.
type Config struct {
	// LockTimeout bounds the wait for the global lock. Zero relies on the
	// caller's context alone.
	LockTimeout time.Duration

	// ClaimExpiry is how long a job may stay Pending or Waiting after its
	// claim. Zero disables the sweep.
	ClaimExpiry time.Duration

	// SweepInterval is the pause between sweeps.
	SweepInterval time.Duration

	// RequeueExpired enqueues a fresh copy of each expired job while its
	// attempt number is below MaxAttempts.
	RequeueExpired bool
	MaxAttempts    int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics reports claim outcomes to m.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// Coordinator serializes job claims.
type Coordinator struct {
	queue   *jobs.Queue
	locker  lock.Locker
	cfg     Config
	logger  *zap.Logger
	metrics Metrics
	now     func() time.Time
}

// NewCoordinator returns a Coordinator claiming from queue under locker.
func NewCoordinator(queue *jobs.Queue, locker lock.Locker, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:   queue,
		locker:  lock.WithTimeout(locker, cfg.LockTimeout),
		cfg:     cfg,
		logger:  zap.NewNop(),
		metrics: nopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClaimNext claims the lowest-id queued job the runner can execute and
// returns it in Pending. It returns nil, nil when there is nothing to do,
// including when the lock could not be acquired in time.
func (c *Coordinator) ClaimNext(ctx context.Context, cl Claim) (*jobs.Job, error) {
	start := c.now()
	job, outcome, err := c.claim(ctx, cl)
	c.metrics.ObserveClaim(outcome, c.now().Sub(start))
	return job, err
}

func (c *Coordinator) claim(ctx context.Context, cl Claim) (*jobs.Job, string, error) {
	if !hasLanguage(cl.Languages) {
		return nil, OutcomeEmpty, nil
	}

	unlock, err := c.locker.Lock(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			c.logger.Debug("Claim lock not acquired",
				zap.String("tenant", cl.TenantID),
				zap.String("runner", cl.RunnerID),
				zap.Error(err))
			return nil, OutcomeLockTimeout, nil
		}
		return nil, OutcomeError, err
	}
	defer unlock()

	if ctx.Err() != nil {
		return nil, OutcomeLockTimeout, nil
	}

	row, err := store.FindClaimableJob(ctx, c.queue.DB(), store.ClaimQuery{
		TenantID:  cl.TenantID,
		ProjectID: cl.ProjectID,
		Languages: cl.Languages,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, OutcomeLockTimeout, nil
		}
		return nil, OutcomeError, err
	}
	if row == nil {
		return nil, OutcomeEmpty, nil
	}

	// From here on the write must complete even if the runner hangs up.
	wctx := context.WithoutCancel(ctx)
	now := c.now().UTC()
	ok, err := store.MarkJobClaimed(wctx, c.queue.DB(), row.ID, cl.RunnerID, cl.RunnerID, now)
	if err != nil {
		return nil, OutcomeError, err
	}
	if !ok {
		// Only reachable when another process claims without sharing our lock.
		c.logger.Warn("Job claimed concurrently; check dispatch.lock for multi-process deployments",
			zap.String("guid", row.GUID))
		return nil, OutcomeEmpty, nil
	}

	job, err := jobs.FromRow(row)
	if err != nil {
		return nil, OutcomeError, err
	}
	job.Status = jobs.Pending
	job.ClaimedBy = cl.RunnerID
	job.ClaimedAt = &now
	job.ModifiedAt = now
	job.ModifiedBy = cl.RunnerID

	if strings.TrimSpace(job.Language) == "" {
		if err := c.queue.Fail(wctx, job, NoLanguageMessage, cl.RunnerID); err != nil {
			return nil, OutcomeError, err
		}
		c.logger.Warn("Rejected job without language",
			zap.String("tenant", cl.TenantID),
			zap.String("guid", job.GUID),
			zap.String("runner", cl.RunnerID))
		return nil, OutcomeRejected, nil
	}

	c.logger.Info("Job claimed",
		zap.String("tenant", cl.TenantID),
		zap.String("guid", job.GUID),
		zap.String("runner", cl.RunnerID))
	return job, OutcomeClaimed, nil
}

func hasLanguage(langs []string) bool {
	for _, l := range langs {
		if strings.TrimSpace(l) != "" {
			return true
		}
	}
	return false
}
