package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skywatch/conductor/internal/domain"
	"github.com/skywatch/conductor/internal/queue"
)

// Ingester drains one update queue into the handler. The orchestrator runs
// two: one on the small-update queue with a wide batch, one on the
// large-update queue with a batch of one, so oversized fan-out updates
// cannot starve the rest.
type Ingester struct {
	handler   *Handler
	queue     queue.Queue
	queueName string
	batchSize int
	wait      time.Duration
	logger    *slog.Logger
}

// NewIngester wires an ingester for one update queue.
func NewIngester(handler *Handler, q queue.Queue, queueName string, batchSize int, wait time.Duration, logger *slog.Logger) *Ingester {
	return &Ingester{
		handler:   handler,
		queue:     q,
		queueName: queueName,
		batchSize: batchSize,
		wait:      wait,
		logger:    logger,
	}
}

// Run receives and applies update batches until ctx is canceled.
func (i *Ingester) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := i.queue.Receive(ctx, i.batchSize, i.wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i.logger.ErrorContext(ctx, "failed to receive updates",
				"queue", i.queueName, "error", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		if err := i.processBatch(ctx, msgs); err != nil {
			i.logger.ErrorContext(ctx, "failed to process update batch",
				"queue", i.queueName, "error", err)
		}
	}
}

// processBatch applies a batch of received updates concurrently, each in its
// own transaction, then acknowledges every message. Messages are deleted
// even when handling failed: a persistently failing update would otherwise
// poison the queue, and a lost transient failure surfaces later through the
// failer.
func (i *Ingester) processBatch(ctx context.Context, msgs []queue.Message) error {
	updates := make([]domain.ItemUpdate, 0, len(msgs))
	itemIDs := make([]int64, 0, len(msgs))
	receipts := make([]string, 0, len(msgs))

	for _, msg := range msgs {
		receipts = append(receipts, msg.Receipt)
		var update domain.ItemUpdate
		if err := update.UnmarshalJSON(msg.Body); err != nil {
			i.logger.ErrorContext(ctx, "dropping malformed update",
				"queue", i.queueName, "error", err)
			continue
		}
		updates = append(updates, update)
		itemIDs = append(itemIDs, update.WorkItemID)
	}

	defer func() {
		if err := i.queue.DeleteBatch(ctx, receipts); err != nil {
			i.logger.ErrorContext(ctx, "failed to delete update messages",
				"queue", i.queueName, "error", err)
		}
	}()

	if len(updates) == 0 {
		return nil
	}

	jobIDs, err := i.handler.store.JobIDsForWorkItems(ctx, itemIDs)
	if err != nil {
		return fmt.Errorf("failed to resolve job IDs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, update := range updates {
		jobID, ok := jobIDs[update.WorkItemID]
		if !ok {
			i.logger.WarnContext(ctx, "dropping update for unknown work item",
				"queue", i.queueName, "work_item_id", update.WorkItemID)
			continue
		}
		g.Go(func() error {
			if err := i.handler.Process(gctx, jobID, update); err != nil {
				if dropUnknownItem(err) {
					i.logger.WarnContext(gctx, "dropping update for missing row",
						"work_item_id", update.WorkItemID, "error", err)
					return nil
				}
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
