// Package ingest applies work item status updates to the orchestration
// state: item transitions, retries, error accounting, downstream work
// generation, aggregation batching, progress, and job finalization. Each
// update is applied in a single transaction; queue sends and catalog
// artifact writes happen after commit.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skywatch/conductor/internal/application/scheduler"
	"github.com/skywatch/conductor/internal/application/work"
	"github.com/skywatch/conductor/internal/catalog"
	"github.com/skywatch/conductor/internal/config"
	"github.com/skywatch/conductor/internal/domain"
	"github.com/skywatch/conductor/internal/queue"
	"github.com/skywatch/conductor/internal/storage"
)

// Failure messages attributed to the orchestrator rather than a worker.
const (
	msgCatalogQueryFailed  = "failed to query the metadata catalog"
	msgBatchCatalogFailed  = "failed to construct the aggregated input catalog"
	msgTooManyErrors       = "too many work item failures; the job has been failed"
	msgInternalFailure     = "internal orchestration failure"
	msgFailedNoResults     = "the job failed and produced no results"
	msgCompletedWithErrors = "the job completed, but some items failed"
)

// Handler applies one work item update at a time.
type Handler struct {
	store    work.Store
	objects  storage.ObjectStore
	locator  catalog.Locator
	cfg      config.WorkflowConfig
	pageSize int // aggregate catalog page size

	schedulerQueue queue.Queue
	updateQueue    queue.Queue // synthetic failures go back through here

	logger *slog.Logger

	// Now supplies timestamps; tests may replace it.
	Now func() time.Time
}

// NewHandler wires an update handler.
func NewHandler(
	store work.Store,
	objects storage.ObjectStore,
	locator catalog.Locator,
	cfg config.WorkflowConfig,
	aggregatePageSize int,
	schedulerQueue queue.Queue,
	updateQueue queue.Queue,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		store:          store,
		objects:        objects,
		locator:        locator,
		cfg:            cfg,
		pageSize:       aggregatePageSize,
		schedulerQueue: schedulerQueue,
		updateQueue:    updateQueue,
		logger:         logger,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// effects are actions deferred until after the transaction commits. Blob and
// queue I/O never runs while row locks are held.
type effects struct {
	batches   []batchArtifact
	triggers  map[string]bool
	synthetic []domain.ItemUpdate
}

// batchArtifact is an aggregated input catalog to materialize post-commit.
type batchArtifact struct {
	jobID      string
	workItemID int64
	memberURLs []string
}

func (e *effects) trigger(serviceID string) {
	if e.triggers == nil {
		e.triggers = make(map[string]bool)
	}
	e.triggers[serviceID] = true
}

// Process applies one update. Reapplying a delivered update is a no-op: the
// transaction drops updates for items that already completed.
func (h *Handler) Process(ctx context.Context, jobID string, update domain.ItemUpdate) error {
	var eff effects
	err := h.store.Atomic(ctx, func(tx work.Tx) error {
		return h.apply(ctx, tx, jobID, update, &eff)
	})
	if err != nil {
		return fmt.Errorf("failed to apply update for work item %d: %w", update.WorkItemID, err)
	}
	h.runEffects(ctx, &eff)
	return nil
}

// runEffects materializes batch catalogs, publishes synthetic failures, and
// nudges the scheduler. Failures here are recoverable: a lost trigger is
// re-sent by the next update, and a failed batch write converts into a
// synthetic failure for the batch item.
func (h *Handler) runEffects(ctx context.Context, eff *effects) {
	for _, b := range eff.batches {
		if err := h.writeBatchCatalog(ctx, b); err != nil {
			h.logger.ErrorContext(ctx, "failed to write batch catalog",
				"job_id", b.jobID, "work_item_id", b.workItemID, "error", err)
			eff.synthetic = append(eff.synthetic, domain.ItemUpdate{
				WorkItemID: b.workItemID,
				Update:     domain.Failure{Message: msgBatchCatalogFailed},
			})
		}
	}

	for _, synth := range eff.synthetic {
		body, err := synth.MarshalJSON()
		if err == nil {
			err = h.updateQueue.Send(ctx, body, queue.SmallUpdateQueue)
		}
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to publish synthetic failure",
				"work_item_id", synth.WorkItemID, "error", err)
		}
	}

	for serviceID := range eff.triggers {
		if err := scheduler.EnqueueTrigger(ctx, h.schedulerQueue, serviceID); err != nil {
			h.logger.ErrorContext(ctx, "failed to enqueue scheduler trigger",
				"service_id", serviceID, "error", err)
		}
	}
}

// writeBatchCatalog reads the member output catalogs of an aggregated batch
// and writes the combined, paginated input catalog for the batch item.
func (h *Handler) writeBatchCatalog(ctx context.Context, b batchArtifact) error {
	var items []catalog.Link
	for _, url := range b.memberURLs {
		links, err := catalog.ReadItemLinks(ctx, h.objects, url)
		if err != nil {
			return err
		}
		items = append(items, links...)
	}
	_, err := catalog.WriteBatchCatalogs(ctx, h.objects, h.locator, b.jobID, b.workItemID, items, h.pageSize)
	return err
}

// apply is the transactional core of the update handler.
func (h *Handler) apply(ctx context.Context, tx work.Tx, jobID string, update domain.ItemUpdate, eff *effects) error {
	job, err := tx.GetJobForUpdate(ctx, jobID)
	if err != nil {
		return err
	}

	// A terminal job drops all further updates. An item still marked running
	// is closed out so it does not linger; its ledger rows are already gone.
	if job.Status.Terminal() {
		item, err := tx.GetWorkItemForUpdate(ctx, update.WorkItemID)
		if err != nil {
			return err
		}
		if item.Status == domain.StatusRunning {
			item.Status = domain.StatusCanceled
			if err := tx.UpdateWorkItem(ctx, item); err != nil {
				return err
			}
		}
		h.logger.InfoContext(ctx, "dropping update for terminal job",
			"job_id", jobID, "work_item_id", update.WorkItemID, "job_status", job.Status)
		return nil
	}

	item, err := tx.GetWorkItemForUpdate(ctx, update.WorkItemID)
	if err != nil {
		return err
	}
	if item.Status.Completed() {
		h.logger.InfoContext(ctx, "dropping update for completed work item",
			"work_item_id", item.ID, "status", item.Status)
		return nil
	}

	step, err := tx.GetWorkflowStep(ctx, jobID, item.StepIndex)
	if err != nil {
		return err
	}

	if job.Status == domain.JobAccepted {
		job.Status = domain.JobRunning
	}

	wasRunning := item.Status == domain.StatusRunning
	wasReady := item.Status == domain.StatusReady

	var succeeded bool
	var results []string
	var resultSizes []int64
	var temporal, bbox string

	switch v := update.Update.(type) {
	case domain.Failure:
		if item.RetryCount < h.cfg.RetryLimit {
			item.Retry()
			if err := tx.UpdateWorkItem(ctx, item); err != nil {
				return err
			}
			// A ready item is already counted in the ledger; only a running
			// one moves back to the ready column.
			if wasRunning {
				if err := tx.AdjustUserWork(ctx, jobID, item.ServiceID, 1, -1); err != nil {
					return err
				}
			}
			if step.HasAggregatedOutput {
				if err := h.requeueBatchCatalog(ctx, tx, job, item, eff); err != nil {
					return err
				}
			}
			eff.trigger(item.ServiceID)
			h.logger.InfoContext(ctx, "retrying failed work item",
				"work_item_id", item.ID, "retry_count", item.RetryCount, "error", v.Message)
			return tx.UpdateJob(ctx, job)
		}
		item.Status = domain.StatusFailed
		h.stampDuration(item, 0)
		if err := h.recordFailure(ctx, tx, job, item, v.Message); err != nil {
			return err
		}

	case domain.Cancel:
		item.Status = domain.StatusCanceled
		h.stampDuration(item, 0)

	case domain.Success:
		item.Status = domain.StatusSuccessful
		h.stampDuration(item, v.Duration)
		item.TotalItemsSize = v.TotalItemsSize
		item.OutputItemSizes = v.OutputItemSizes
		if v.ScrollToken != "" {
			item.ScrollToken = v.ScrollToken
		}
		succeeded = true
		results = v.Results
		resultSizes = v.OutputItemSizes
		temporal = v.Temporal
		bbox = v.BBox

		if step.IsPaginator() && v.Hits != nil && *v.Hits < job.NumInputGranules {
			if err := h.shrinkGranuleCount(ctx, tx, job, *v.Hits, eff); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("unknown update variant %T", update.Update)
	}

	if err := tx.UpdateWorkItem(ctx, item); err != nil {
		return err
	}
	// The ledger delta follows the item's prior status: completing an item
	// that was never dispatched releases a ready slot, not a running one.
	// A terminal job already had its ledger rows deleted.
	if !job.Status.Terminal() {
		switch {
		case wasRunning:
			if err := tx.AdjustUserWork(ctx, jobID, item.ServiceID, 0, -1); err != nil {
				return err
			}
		case wasReady:
			if err := tx.AdjustUserWork(ctx, jobID, item.ServiceID, -1, 0); err != nil {
				return err
			}
		}
	}

	created := false
	if !job.Status.Terminal() {
		created, err = h.advance(ctx, tx, job, item, step, succeeded, results, resultSizes, eff)
		if err != nil {
			return err
		}

		if succeeded && step.IsPaginator() {
			madeSuccessor, err := h.createPaginatorSuccessor(ctx, tx, job, item, step, eff)
			if err != nil {
				return err
			}
			created = created || madeSuccessor
		}

		if err := h.recordLeafCompletion(ctx, tx, job, item, step, succeeded, results, temporal, bbox); err != nil {
			return err
		}
	}

	if err := h.finalizeIfDone(ctx, tx, job, created); err != nil {
		return err
	}
	return tx.UpdateJob(ctx, job)
}

// stampDuration records the item's elapsed time: the larger of the
// worker-reported duration and the observed wall time since dispatch.
func (h *Handler) stampDuration(item *domain.WorkItem, reported time.Duration) {
	d := reported
	if item.StartedAt != nil {
		if wall := h.Now().Sub(*item.StartedAt); wall > d {
			d = wall
		}
	}
	item.Duration = d
}

// recordFailure stores a job error for a terminally failed item and applies
// the job-level failure policy.
func (h *Handler) recordFailure(ctx context.Context, tx work.Tx, job *domain.Job, item *domain.WorkItem, message string) error {
	if message == "" {
		message = msgInternalFailure
	}
	if err := tx.InsertJobError(ctx, &domain.JobError{
		JobID:   job.ID,
		URL:     item.CatalogLocation,
		Message: message,
	}); err != nil {
		return err
	}
	errCount, err := tx.CountJobErrors(ctx, job.ID)
	if err != nil {
		return err
	}

	step, err := tx.GetWorkflowStep(ctx, job.ID, item.StepIndex)
	if err != nil {
		return err
	}

	switch {
	case step.IsPaginator():
		// Losing the paginator loses the input stream; nothing downstream
		// can be trusted to be complete.
		job.Fail(msgCatalogQueryFailed)
	case errCount > h.cfg.MaxErrorsForJob:
		job.Fail(msgTooManyErrors)
	case !job.IgnoreErrors:
		job.Fail(message)
	default:
		if job.Status == domain.JobRunning {
			job.Status = domain.JobRunningWithErrors
		}
	}

	if job.Status.Terminal() {
		if _, err := tx.CancelReadyItems(ctx, job.ID); err != nil {
			return err
		}
		if err := tx.DeleteUserWork(ctx, job.ID); err != nil {
			return err
		}
		h.logger.InfoContext(ctx, "job failed",
			"job_id", job.ID, "error_count", errCount, "message", job.Message)
	}
	return nil
}

// shrinkGranuleCount lowers the job's input granule count after the catalog
// reported fewer hits, and recomputes every step's expected item count.
func (h *Handler) shrinkGranuleCount(ctx context.Context, tx work.Tx, job *domain.Job, hits int, eff *effects) error {
	if hits < 0 {
		hits = 0
	}
	job.NumInputGranules = hits

	steps, err := tx.ListWorkflowSteps(ctx, job.ID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		count := domain.ExpectedWorkItemCount(step, hits, h.cfg.CatalogMaxPageSize)
		if err := tx.SetStepWorkItemCount(ctx, job.ID, step.StepIndex, count); err != nil {
			return err
		}
		step.WorkItemCount = count
	}

	// The smaller counts can satisfy an aggregation gate that was waiting on
	// items that will now never exist; flush any held partial batch. The
	// paginator's own gate is left to the normal advance path, which runs
	// later in this transaction with the current page's results buffered.
	for i := 0; i+1 < len(steps); i++ {
		next := steps[i+1]
		if steps[i].IsPaginator() || !next.HasAggregatedOutput || steps[i].WorkItemCount <= 0 {
			continue
		}
		completed, err := tx.CompletedCount(ctx, job.ID, steps[i].StepIndex)
		if err != nil {
			return err
		}
		if completed >= steps[i].WorkItemCount {
			if _, err := h.flushBatches(ctx, tx, job, next, true, eff); err != nil {
				return err
			}
		}
	}

	h.logger.InfoContext(ctx, "shrunk job granule count", "job_id", job.ID, "hits", hits)
	return nil
}

// requeueBatchCatalog schedules a rewrite of a retried aggregating item's
// combined input catalog. The original write happens after the creating
// transaction commits and can fail, leaving the item pointing at a catalog
// that was never stored.
func (h *Handler) requeueBatchCatalog(ctx context.Context, tx work.Tx, job *domain.Job, item *domain.WorkItem, eff *effects) error {
	inputs, err := tx.BatchInputsForItem(ctx, item.ID)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return nil
	}
	memberURLs := make([]string, len(inputs))
	for i, in := range inputs {
		memberURLs[i] = in.URL
	}
	eff.batches = append(eff.batches, batchArtifact{
		jobID:      job.ID,
		workItemID: item.ID,
		memberURLs: memberURLs,
	})
	return nil
}

// createPaginatorSuccessor chains the next catalog page query when the job
// still has granules to retrieve.
func (h *Handler) createPaginatorSuccessor(ctx context.Context, tx work.Tx, job *domain.Job, item *domain.WorkItem, step *domain.WorkflowStep, eff *effects) (bool, error) {
	retrieved, err := tx.SuccessfulCount(ctx, job.ID, step.StepIndex)
	if err != nil {
		return false, err
	}
	remaining := job.NumInputGranules - retrieved*h.cfg.CatalogMaxPageSize
	if remaining <= 0 {
		return false, nil
	}

	successor := &domain.WorkItem{
		JobID:           job.ID,
		StepIndex:       step.StepIndex,
		ServiceID:       step.ServiceID,
		Status:          domain.StatusReady,
		CatalogLocation: item.CatalogLocation,
		ScrollToken:     item.ScrollToken,
		SortIndex:       item.SortIndex + 1,
	}
	if err := tx.InsertWorkItems(ctx, []*domain.WorkItem{successor}); err != nil {
		return false, err
	}
	if err := tx.AdjustUserWork(ctx, job.ID, step.ServiceID, 1, 0); err != nil {
		return false, err
	}
	eff.trigger(step.ServiceID)
	return true, nil
}

// recordLeafCompletion attaches result links and advances job progress when
// an item of the final step completes successfully, and pauses a previewing
// job at its first delivered result.
func (h *Handler) recordLeafCompletion(ctx context.Context, tx work.Tx, job *domain.Job, item *domain.WorkItem, step *domain.WorkflowStep, succeeded bool, results []string, temporal, bbox string) error {
	steps, err := tx.ListWorkflowSteps(ctx, job.ID)
	if err != nil {
		return err
	}
	if step.StepIndex != steps[len(steps)-1].StepIndex {
		return nil
	}
	if !succeeded {
		return nil
	}

	links := make([]*domain.JobLink, 0, len(results))
	for _, href := range results {
		links = append(links, &domain.JobLink{
			JobID:    job.ID,
			Href:     href,
			Rel:      "data",
			Type:     "application/json",
			Title:    "processed result catalog",
			Temporal: temporal,
			BBox:     bbox,
		})
	}
	if err := tx.InsertJobLinks(ctx, links); err != nil {
		return err
	}

	if step.HasAggregatedOutput {
		job.CompletedGranules = job.NumInputGranules
	} else if step.WorkItemCount > 0 {
		delta := job.NumInputGranules / step.WorkItemCount
		if delta < 1 {
			delta = 1
		}
		job.CompletedGranules += delta
		if job.CompletedGranules > job.NumInputGranules {
			job.CompletedGranules = job.NumInputGranules
		}
	}
	job.RecordProgress()

	// A previewing job pauses at its first delivered result so the user can
	// inspect it before committing to the full run.
	if job.Status == domain.JobPreviewing {
		job.Status = domain.JobPaused
		if err := tx.DeleteUserWork(ctx, job.ID); err != nil {
			return err
		}
		h.logger.InfoContext(ctx, "paused previewing job after first result", "job_id", job.ID)
	}
	return nil
}

// finalizeIfDone closes out a job that has no active items left and created
// none this transaction.
func (h *Handler) finalizeIfDone(ctx context.Context, tx work.Tx, job *domain.Job, createdWork bool) error {
	if createdWork || job.Status.Terminal() || job.Status == domain.JobPaused {
		return nil
	}
	active, err := tx.ActiveItemCount(ctx, job.ID)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}

	errCount, err := tx.CountJobErrors(ctx, job.ID)
	if err != nil {
		return err
	}
	linkCount, err := tx.CountJobLinks(ctx, job.ID)
	if err != nil {
		return err
	}

	switch {
	case errCount > 0 && linkCount > 0:
		job.Status = domain.JobCompleteWithErrors
		job.Message = msgCompletedWithErrors
	case errCount > 0:
		job.Status = domain.JobFailed
		job.Message = msgFailedNoResults
	default:
		job.Status = domain.JobSuccessful
	}
	job.CompletedGranules = job.NumInputGranules
	job.RecordProgress()

	if err := tx.DeleteUserWork(ctx, job.ID); err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "job finalized",
		"job_id", job.ID, "status", job.Status, "errors", errCount, "links", linkCount)
	return nil
}

// dropUnknownItem reports whether the error means the referenced item does
// not exist, which the ingester treats as a dead letter rather than a retry.
func dropUnknownItem(err error) bool {
	return errors.Is(err, domain.ErrWorkItemNotFound) || errors.Is(err, domain.ErrJobNotFound)
}
