package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type sweeper struct {
	cron *cron.Cron
}

// StartSweeper schedules background maintenance: expiring stale pending
// requests and purging old checkpoint backups. The schedule accepts cron
// syntax or "@every" intervals; empty means every minute.
func (q *Queue) StartSweeper(schedule string) error {
	if q.sweeper != nil {
		return fmt.Errorf("queue: sweeper already running")
	}
	if schedule == "" {
		schedule = "@every 1m"
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if n, err := q.SweepExpired(ctx); err != nil {
			q.logger.Error("expiry sweep failed", "error", err)
		} else if n > 0 {
			q.logger.Info("pending requests expired", "count", n)
		}

		if n, err := q.RecoverStalled(ctx); err != nil {
			q.logger.Error("stalled recovery failed", "error", err)
		} else if n > 0 {
			q.logger.Warn("abandoned executions failed", "count", n)
		}

		if q.checkpoints != nil {
			if _, err := q.checkpoints.PurgeExpired(ctx); err != nil {
				q.logger.Error("checkpoint purge failed", "error", err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("queue: bad sweep schedule %q: %w", schedule, err)
	}

	c.Start()
	q.sweeper = &sweeper{cron: c}
	q.logger.Info("sweeper started", "schedule", schedule)
	return nil
}

// StopSweeper halts background maintenance and waits for a running sweep.
func (q *Queue) StopSweeper() {
	if q.sweeper == nil {
		return
	}
	<-q.sweeper.cron.Stop().Done()
	q.sweeper = nil
}

// SweepExpired marks every pending request past its deadline as expired.
// Expiry is terminal; the conditional update cannot race a concurrent
// approval into overwriting it.
func (q *Queue) SweepExpired(ctx context.Context) (int64, error) {
	return q.store.sweepExpired(ctx, time.Now().UTC())
}

// RecoverStalled fails executing requests whose supervisor never finished,
// for example after a crash mid-run. The grace period is generous so a slow
// but live execution is never touched.
func (q *Queue) RecoverStalled(ctx context.Context) (int64, error) {
	return q.store.recoverStalled(ctx, time.Now().UTC().Add(-q.cfg.StaleExecGrace))
}
