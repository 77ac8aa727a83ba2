package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/runnerhub/pkg/lock"
)

const sweepActor = "claim-sweeper"

// SweepResult summarizes one sweep.
type SweepResult struct {
	Expired  int
	Requeued int
}

// ExpiredMessage is the error message stored on jobs whose claim expired.
func ExpiredMessage(expiry time.Duration) string {
	return fmt.Sprintf("claim expired after %s without progress", expiry)
}

// Sweep expires stale claims once. It holds the claim lock for the whole
// pass. A lock timeout skips the pass.
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if c.cfg.ClaimExpiry <= 0 {
		return res, nil
	}

	unlock, err := c.locker.Lock(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			c.logger.Debug("Sweep skipped; claim lock busy", zap.Error(err))
			return res, nil
		}
		return res, err
	}
	defer unlock()

	now := c.now().UTC()
	stale, err := c.queue.ListStaleClaims(ctx, now.Add(-c.cfg.ClaimExpiry))
	if err != nil {
		return res, err
	}

	msg := ExpiredMessage(c.cfg.ClaimExpiry)
	wctx := context.WithoutCancel(ctx)
	for i := range stale {
		j := &stale[i]
		ok, err := c.queue.ExpireClaim(wctx, j, msg, sweepActor)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		res.Expired++
		c.logger.Warn("Claim expired",
			zap.String("tenant", j.TenantID),
			zap.String("guid", j.GUID),
			zap.String("runner", j.ClaimedBy),
			zap.Int("attempt", j.Attempt))

		if !c.cfg.RequeueExpired || j.Attempt >= c.cfg.MaxAttempts {
			continue
		}
		next, err := c.queue.Requeue(wctx, *j, sweepActor)
		if err != nil {
			return res, err
		}
		res.Requeued++
		c.logger.Info("Expired job requeued",
			zap.String("guid", j.GUID),
			zap.String("new_guid", next.GUID),
			zap.Int("attempt", next.Attempt))
	}
	c.metrics.ObserveExpired(res.Expired)
	return res, nil
}

// RunSweeper sweeps every SweepInterval until ctx is done. It returns nil on
// cancellation and immediately when the sweep is disabled.
func (c *Coordinator) RunSweeper(ctx context.Context) error {
	if c.cfg.ClaimExpiry <= 0 {
		return nil
	}
	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = c.cfg.ClaimExpiry / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("Claim sweep failed", zap.Error(err))
			}
		}
	}
}
