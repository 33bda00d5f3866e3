package ingest

import (
	"context"
	"errors"

	"github.com/skywatch/conductor/internal/application/work"
	"github.com/skywatch/conductor/internal/domain"
)

func dropUnknownStep(err error) bool {
	return errors.Is(err, domain.ErrStepNotFound)
}

// advance generates downstream work from a completed item. Successful items
// feed their result catalogs to the next step; failed and canceled items
// contribute nothing but still count toward the upstream completion gate
// that releases a trailing aggregation batch. Returns whether any work item
// was created.
func (h *Handler) advance(ctx context.Context, tx work.Tx, job *domain.Job, item *domain.WorkItem, step *domain.WorkflowStep, succeeded bool, results []string, resultSizes []int64, eff *effects) (bool, error) {
	next, err := tx.GetWorkflowStep(ctx, job.ID, item.StepIndex+1)
	if err != nil {
		if dropUnknownStep(err) {
			return false, nil // final step
		}
		return false, err
	}

	if next.HasAggregatedOutput {
		return h.advanceAggregated(ctx, tx, job, item, step, next, succeeded, results, resultSizes, eff)
	}
	if !succeeded || len(results) == 0 {
		return false, nil
	}
	return h.fanOut(ctx, tx, job, item, next, results, eff)
}

// fanOut creates one downstream item per result catalog. A multi-result
// completion appends its items after every existing sort index of the step;
// a single-result completion inherits the upstream item's sort index so
// granule order survives 1:1 chains.
func (h *Handler) fanOut(ctx context.Context, tx work.Tx, job *domain.Job, item *domain.WorkItem, next *domain.WorkflowStep, results []string, eff *effects) (bool, error) {
	existing, err := tx.ItemCount(ctx, job.ID, next.StepIndex)
	if err != nil {
		return false, err
	}
	if next.WorkItemCount > 0 && existing >= next.WorkItemCount {
		// The step already has its full complement, which happens when the
		// granule count shrank after this item was dispatched.
		h.logger.InfoContext(ctx, "skipping superseded downstream items",
			"job_id", job.ID, "step_index", next.StepIndex)
		return false, nil
	}

	baseSort := item.SortIndex
	if len(results) > 1 {
		maxSort, err := tx.MaxSortIndex(ctx, job.ID, next.StepIndex)
		if err != nil {
			return false, err
		}
		baseSort = maxSort + 1
	}

	items := make([]*domain.WorkItem, 0, len(results))
	for i, href := range results {
		items = append(items, &domain.WorkItem{
			JobID:           job.ID,
			StepIndex:       next.StepIndex,
			ServiceID:       next.ServiceID,
			Status:          domain.StatusReady,
			CatalogLocation: href,
			SortIndex:       baseSort + i,
		})
	}
	if err := tx.InsertWorkItems(ctx, items); err != nil {
		return false, err
	}
	if err := tx.AdjustUserWork(ctx, job.ID, next.ServiceID, len(items), 0); err != nil {
		return false, err
	}
	eff.trigger(next.ServiceID)
	return true, nil
}

// advanceAggregated buffers a successful item's results for the downstream
// aggregating step and flushes batches that are due. A batched step flushes
// whenever the pending buffer fills a batch; the final, possibly partial,
// batch waits for the upstream step to complete. A non-batched aggregation
// is the degenerate case: unbounded batch limits, so everything flushes as
// one batch at the completion gate.
func (h *Handler) advanceAggregated(ctx context.Context, tx work.Tx, job *domain.Job, item *domain.WorkItem, step, next *domain.WorkflowStep, succeeded bool, results []string, resultSizes []int64, eff *effects) (bool, error) {
	if succeeded && len(results) > 0 {
		inputs := make([]work.BatchInput, 0, len(results))
		for i, href := range results {
			var size int64
			if i < len(resultSizes) {
				size = resultSizes[i]
			}
			inputs = append(inputs, work.BatchInput{
				SourceSortIndex: item.SortIndex,
				URL:             href,
				Size:            size,
			})
		}
		if err := tx.AppendBatchInputs(ctx, job.ID, next.StepIndex, inputs); err != nil {
			return false, err
		}
	}

	completed, err := tx.CompletedCount(ctx, job.ID, step.StepIndex)
	if err != nil {
		return false, err
	}
	upstreamDone := step.WorkItemCount > 0 && completed >= step.WorkItemCount

	return h.flushBatches(ctx, tx, job, next, upstreamDone, eff)
}

// flushBatches packs the pending buffer into batches in provenance order and
// creates one aggregating work item per due batch.
func (h *Handler) flushBatches(ctx context.Context, tx work.Tx, job *domain.Job, next *domain.WorkflowStep, upstreamDone bool, eff *effects) (bool, error) {
	pending, err := tx.PendingBatchInputs(ctx, job.ID, next.StepIndex)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	maxInputs, maxBytes := 0, int64(0)
	if next.IsBatched {
		maxInputs = next.MaxBatchInputs
		if maxInputs <= 0 {
			maxInputs = h.cfg.DefaultMaxBatchInputs
		}
		maxBytes = next.MaxBatchSizeBytes
		if maxBytes <= 0 {
			maxBytes = h.cfg.DefaultMaxBatchSizeBytes
		}
	}

	created := false
	for len(pending) > 0 {
		batch, full := takeBatch(pending, maxInputs, maxBytes)
		if !full && !upstreamDone {
			break // hold the partial tail for more inputs
		}
		if err := h.createBatchItem(ctx, tx, job, next, batch, eff); err != nil {
			return created, err
		}
		created = true
		pending = pending[len(batch):]
	}
	return created, nil
}

// takeBatch returns the longest prefix of pending that fits the batch
// bounds, and whether that prefix forms a full batch. Zero bounds mean
// unbounded. An oversized single input forms its own full batch since it
// cannot be split.
func takeBatch(pending []work.BatchInput, maxInputs int, maxBytes int64) ([]work.BatchInput, bool) {
	n := 0
	var bytes int64
	for _, in := range pending {
		if maxInputs > 0 && n >= maxInputs {
			return pending[:n], true
		}
		if maxBytes > 0 && n > 0 && bytes+in.Size > maxBytes {
			return pending[:n], true
		}
		n++
		bytes += in.Size
	}
	return pending[:n], maxInputs > 0 && n >= maxInputs
}

// createBatchItem creates the aggregating work item for one batch. The
// item's input catalog is written post-commit; its location is derived from
// the item's identity so the write is deterministic.
func (h *Handler) createBatchItem(ctx context.Context, tx work.Tx, job *domain.Job, next *domain.WorkflowStep, batch []work.BatchInput, eff *effects) error {
	sortIndex := batch[0].SourceSortIndex
	for _, in := range batch[1:] {
		if in.SourceSortIndex < sortIndex {
			sortIndex = in.SourceSortIndex
		}
	}

	batchItem := &domain.WorkItem{
		JobID:     job.ID,
		StepIndex: next.StepIndex,
		ServiceID: next.ServiceID,
		Status:    domain.StatusReady,
		SortIndex: sortIndex,
	}
	if err := tx.InsertWorkItems(ctx, []*domain.WorkItem{batchItem}); err != nil {
		return err
	}
	batchItem.CatalogLocation = h.locator.BatchCatalog(job.ID, batchItem.ID, 0)
	if err := tx.UpdateWorkItem(ctx, batchItem); err != nil {
		return err
	}

	inputIDs := make([]int64, len(batch))
	memberURLs := make([]string, len(batch))
	for i, in := range batch {
		inputIDs[i] = in.ID
		memberURLs[i] = in.URL
	}
	if err := tx.AssignBatch(ctx, inputIDs, batchItem.ID); err != nil {
		return err
	}
	if err := tx.AdjustUserWork(ctx, job.ID, next.ServiceID, 1, 0); err != nil {
		return err
	}

	eff.batches = append(eff.batches, batchArtifact{
		jobID:      job.ID,
		workItemID: batchItem.ID,
		memberURLs: memberURLs,
	})
	eff.trigger(next.ServiceID)

	h.logger.InfoContext(ctx, "created aggregated batch item",
		"job_id", job.ID, "work_item_id", batchItem.ID, "inputs", len(batch))
	return nil
}
