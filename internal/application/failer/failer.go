// Package failer sweeps for work items stuck in the running state. Workers
// can crash without reporting back; the sweeper converts their items into
// ordinary failure updates so the retry and error-accounting machinery
// handles them like any worker-reported failure.
package failer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skywatch/conductor/internal/application/work"
	"github.com/skywatch/conductor/internal/domain"
	"github.com/skywatch/conductor/internal/queue"
)

// MsgItemExpired is the failure message attached to expired items.
const MsgItemExpired = "work item exceeded the expected duration"

// Failer periodically fails long-running work items.
type Failer struct {
	store       work.Store
	updateQueue queue.Queue
	period      time.Duration
	floor       time.Duration
	logger      *slog.Logger
}

// New wires a failer. floor is the minimum age before any item can be
// judged stuck, regardless of how fast its service usually runs.
func New(store work.Store, updateQueue queue.Queue, period, floor time.Duration, logger *slog.Logger) *Failer {
	return &Failer{
		store:       store,
		updateQueue: updateQueue,
		period:      period,
		floor:       floor,
		logger:      logger,
	}
}

// Run sweeps on a fixed period until ctx is canceled.
func (f *Failer) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := f.Sweep(ctx); err != nil {
				f.logger.ErrorContext(ctx, "failed to sweep expired work items", "error", err)
			} else if n > 0 {
				f.logger.InfoContext(ctx, "failed expired work items", "count", n)
			}
		}
	}
}

// Sweep publishes a failure update for every expired running item and
// returns how many it found. Publishing instead of mutating directly keeps
// the update handler the single writer of item state; a duplicate failure
// for an item that reported in the meantime is dropped there.
func (f *Failer) Sweep(ctx context.Context) (int, error) {
	expired, err := f.store.FindExpiredRunningItems(ctx, f.floor)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired work items: %w", err)
	}

	for _, item := range expired {
		update := domain.ItemUpdate{
			WorkItemID: item.WorkItemID,
			Update:     domain.Failure{Message: MsgItemExpired},
		}
		body, err := update.MarshalJSON()
		if err != nil {
			return 0, fmt.Errorf("failed to marshal failure update: %w", err)
		}
		if err := f.updateQueue.Send(ctx, body, queue.SmallUpdateQueue); err != nil {
			return 0, fmt.Errorf("failed to publish failure update: %w", err)
		}

		f.logger.WarnContext(ctx, "expiring stuck work item",
			"work_item_id", item.WorkItemID,
			"job_id", item.JobID,
			"service_id", item.ServiceID,
			"age", item.Age,
			"threshold", item.Threshold)
	}
	return len(expired), nil
}
