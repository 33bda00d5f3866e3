package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/skywatch/conductor/internal/application/work"
	"github.com/skywatch/conductor/internal/domain"
)

// Tx implements work.Tx over one pgx transaction.
type Tx struct {
	tx pgx.Tx
}

var _ work.Tx = (*Tx)(nil)

const selectJob = `
	SELECT id, username, status, message, progress, num_input_granules,
	       completed_granules, ignore_errors, is_async, created_at, updated_at
	FROM jobs`

const selectWorkItem = `
	SELECT id, job_id, step_index, service_id, status, catalog_location,
	       scroll_token, sort_index, retry_count, started_at, duration_ms,
	       total_items_size, output_item_sizes, created_at, updated_at
	FROM work_items`

func scanJob(row pgx.Row, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := row.Scan(&job.ID, &job.Username, &job.Status, &job.Message,
		&job.Progress, &job.NumInputGranules, &job.CompletedGranules,
		&job.IgnoreErrors, &job.IsAsync, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return &job, nil
}

func scanWorkItem(row pgx.Row, itemID int64) (*domain.WorkItem, error) {
	var item domain.WorkItem
	var durationMs int64
	err := row.Scan(&item.ID, &item.JobID, &item.StepIndex, &item.ServiceID,
		&item.Status, &item.CatalogLocation, &item.ScrollToken, &item.SortIndex,
		&item.RetryCount, &item.StartedAt, &durationMs, &item.TotalItemsSize,
		&item.OutputItemSizes, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", domain.ErrWorkItemNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}
	item.Duration = time.Duration(durationMs) * time.Millisecond
	return &item, nil
}

func scanWorkflowStep(row pgx.Row) (*domain.WorkflowStep, error) {
	var step domain.WorkflowStep
	err := row.Scan(&step.ID, &step.JobID, &step.StepIndex, &step.ServiceID,
		&step.WorkItemCount, &step.HasAggregatedOutput, &step.IsBatched,
		&step.IsSequential, &step.MaxBatchInputs, &step.MaxBatchSizeBytes)
	if err != nil {
		return nil, err
	}
	return &step, nil
}

const selectWorkflowStep = `
	SELECT id, job_id, step_index, service_id, work_item_count,
	       has_aggregated_output, is_batched, is_sequential,
	       max_batch_inputs, max_batch_size_bytes
	FROM workflow_steps`

// GetJobForUpdate loads a job and takes its row lock.
func (t *Tx) GetJobForUpdate(ctx context.Context, jobID string) (*domain.Job, error) {
	return scanJob(t.tx.QueryRow(ctx, selectJob+` WHERE id = $1 FOR UPDATE`, jobID), jobID)
}

// GetWorkItemForUpdate loads a work item and takes its row lock.
func (t *Tx) GetWorkItemForUpdate(ctx context.Context, itemID int64) (*domain.WorkItem, error) {
	return scanWorkItem(t.tx.QueryRow(ctx, selectWorkItem+` WHERE id = $1 FOR UPDATE`, itemID), itemID)
}

func (t *Tx) GetWorkflowStep(ctx context.Context, jobID string, stepIndex int) (*domain.WorkflowStep, error) {
	step, err := scanWorkflowStep(t.tx.QueryRow(ctx,
		selectWorkflowStep+` WHERE job_id = $1 AND step_index = $2`, jobID, stepIndex))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s step %d", domain.ErrStepNotFound, jobID, stepIndex)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow step: %w", err)
	}
	return step, nil
}

func (t *Tx) ListWorkflowSteps(ctx context.Context, jobID string) ([]*domain.WorkflowStep, error) {
	rows, err := t.tx.Query(ctx,
		selectWorkflowStep+` WHERE job_id = $1 ORDER BY step_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []*domain.WorkflowStep
	for rows.Next() {
		step, err := scanWorkflowStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (t *Tx) SetStepWorkItemCount(ctx context.Context, jobID string, stepIndex, count int) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE workflow_steps SET work_item_count = $3
		 WHERE job_id = $1 AND step_index = $2`, jobID, stepIndex, count)
	if err != nil {
		return fmt.Errorf("failed to update step work item count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s step %d", domain.ErrStepNotFound, jobID, stepIndex)
	}
	return nil
}

func (t *Tx) InsertJob(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := t.tx.Exec(ctx,
		`INSERT INTO jobs (id, username, status, message, progress,
		                   num_input_granules, completed_granules,
		                   ignore_errors, is_async, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Username, job.Status, job.Message, job.Progress,
		job.NumInputGranules, job.CompletedGranules, job.IgnoreErrors,
		job.IsAsync, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (t *Tx) InsertWorkflowSteps(ctx context.Context, steps []*domain.WorkflowStep) error {
	for _, step := range steps {
		err := t.tx.QueryRow(ctx,
			`INSERT INTO workflow_steps (job_id, step_index, service_id,
			        work_item_count, has_aggregated_output, is_batched,
			        is_sequential, max_batch_inputs, max_batch_size_bytes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING id`,
			step.JobID, step.StepIndex, step.ServiceID, step.WorkItemCount,
			step.HasAggregatedOutput, step.IsBatched, step.IsSequential,
			step.MaxBatchInputs, step.MaxBatchSizeBytes).Scan(&step.ID)
		if err != nil {
			return fmt.Errorf("failed to insert workflow step: %w", err)
		}
	}
	return nil
}

func (t *Tx) UpdateJob(ctx context.Context, job *domain.Job) error {
	job.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx,
		`UPDATE jobs
		 SET status = $2, message = $3, progress = $4, num_input_granules = $5,
		     completed_granules = $6, updated_at = $7
		 WHERE id = $1`,
		job.ID, job.Status, job.Message, job.Progress,
		job.NumInputGranules, job.CompletedGranules, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, job.ID)
	}
	return nil
}

func (t *Tx) UpdateWorkItem(ctx context.Context, item *domain.WorkItem) error {
	item.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx,
		`UPDATE work_items
		 SET status = $2, catalog_location = $3, scroll_token = $4,
		     sort_index = $5, retry_count = $6, started_at = $7,
		     duration_ms = $8, total_items_size = $9, output_item_sizes = $10,
		     updated_at = $11
		 WHERE id = $1`,
		item.ID, item.Status, item.CatalogLocation, item.ScrollToken,
		item.SortIndex, item.RetryCount, item.StartedAt,
		item.Duration.Milliseconds(), item.TotalItemsSize,
		item.OutputItemSizes, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", domain.ErrWorkItemNotFound, item.ID)
	}
	return nil
}

func (t *Tx) InsertWorkItems(ctx context.Context, items []*domain.WorkItem) error {
	now := time.Now().UTC()
	for _, item := range items {
		item.CreatedAt = now
		item.UpdatedAt = now
		sizes := item.OutputItemSizes
		if sizes == nil {
			sizes = []int64{}
		}
		err := t.tx.QueryRow(ctx,
			`INSERT INTO work_items (job_id, step_index, service_id, status,
			        catalog_location, scroll_token, sort_index, retry_count,
			        started_at, duration_ms, total_items_size,
			        output_item_sizes, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 RETURNING id`,
			item.JobID, item.StepIndex, item.ServiceID, item.Status,
			item.CatalogLocation, item.ScrollToken, item.SortIndex,
			item.RetryCount, item.StartedAt, item.Duration.Milliseconds(),
			item.TotalItemsSize, sizes, item.CreatedAt, item.UpdatedAt).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("failed to insert work item: %w", err)
		}
	}
	return nil
}

func (t *Tx) MaxSortIndex(ctx context.Context, jobID string, stepIndex int) (int, error) {
	var maxSort int
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sort_index), -1) FROM work_items
		 WHERE job_id = $1 AND step_index = $2`, jobID, stepIndex).Scan(&maxSort)
	if err != nil {
		return 0, fmt.Errorf("failed to query max sort index: %w", err)
	}
	return maxSort, nil
}

func (t *Tx) countItems(ctx context.Context, query string, args ...any) (int, error) {
	var count int
	if err := t.tx.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count work items: %w", err)
	}
	return count, nil
}

func (t *Tx) CompletedCount(ctx context.Context, jobID string, stepIndex int) (int, error) {
	return t.countItems(ctx,
		`SELECT COUNT(*) FROM work_items
		 WHERE job_id = $1 AND step_index = $2
		   AND status IN ('successful', 'failed', 'canceled')`, jobID, stepIndex)
}

func (t *Tx) SuccessfulCount(ctx context.Context, jobID string, stepIndex int) (int, error) {
	return t.countItems(ctx,
		`SELECT COUNT(*) FROM work_items
		 WHERE job_id = $1 AND step_index = $2 AND status = 'successful'`, jobID, stepIndex)
}

func (t *Tx) ItemCount(ctx context.Context, jobID string, stepIndex int) (int, error) {
	return t.countItems(ctx,
		`SELECT COUNT(*) FROM work_items
		 WHERE job_id = $1 AND step_index = $2`, jobID, stepIndex)
}

func (t *Tx) ActiveItemCount(ctx context.Context, jobID string) (int, error) {
	return t.countItems(ctx,
		`SELECT COUNT(*) FROM work_items
		 WHERE job_id = $1 AND status IN ('ready', 'running')`, jobID)
}

func (t *Tx) CancelReadyItems(ctx context.Context, jobID string) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE work_items SET status = 'canceled', updated_at = now()
		 WHERE job_id = $1 AND status = 'ready'`, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel ready work items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AdjustUserWork upserts the (job, service) ledger row, applies the deltas,
// stamps last_worked, and removes the row once both counts reach zero.
func (t *Tx) AdjustUserWork(ctx context.Context, jobID, serviceID string, readyDelta, runningDelta int) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO user_work (job_id, service_id, username, is_async,
		        ready_count, running_count, last_worked)
		 SELECT j.id, $2, j.username, j.is_async,
		        GREATEST($3, 0), GREATEST($4, 0), now()
		 FROM jobs j WHERE j.id = $1
		 ON CONFLICT (job_id, service_id) DO UPDATE
		 SET ready_count = user_work.ready_count + $3,
		     running_count = user_work.running_count + $4,
		     last_worked = now()`,
		jobID, serviceID, readyDelta, runningDelta)
	if err != nil {
		return fmt.Errorf("failed to adjust user work: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}

	_, err = t.tx.Exec(ctx,
		`DELETE FROM user_work
		 WHERE job_id = $1 AND service_id = $2
		   AND ready_count <= 0 AND running_count <= 0`, jobID, serviceID)
	if err != nil {
		return fmt.Errorf("failed to prune user work: %w", err)
	}
	return nil
}

func (t *Tx) DeleteUserWork(ctx context.Context, jobID string) error {
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM user_work WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete user work: %w", err)
	}
	return nil
}

// RebuildUserWork replaces a job's ledger rows with counts aggregated from
// the work item table.
func (t *Tx) RebuildUserWork(ctx context.Context, jobID string) error {
	if err := t.DeleteUserWork(ctx, jobID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO user_work (job_id, service_id, username, is_async,
		        ready_count, running_count, last_worked)
		 SELECT w.job_id, w.service_id, j.username, j.is_async,
		        COUNT(*) FILTER (WHERE w.status = 'ready'),
		        COUNT(*) FILTER (WHERE w.status = 'running'),
		        now()
		 FROM work_items w
		 JOIN jobs j ON j.id = w.job_id
		 WHERE w.job_id = $1 AND w.status IN ('ready', 'running')
		 GROUP BY w.job_id, w.service_id, j.username, j.is_async`, jobID)
	if err != nil {
		return fmt.Errorf("failed to rebuild user work: %w", err)
	}
	return nil
}

func (t *Tx) InsertJobError(ctx context.Context, jobError *domain.JobError) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO job_errors (job_id, url, message)
		 VALUES ($1, $2, $3) RETURNING id`,
		jobError.JobID, jobError.URL, jobError.Message).Scan(&jobError.ID)
	if err != nil {
		return fmt.Errorf("failed to insert job error: %w", err)
	}
	return nil
}

func (t *Tx) CountJobErrors(ctx context.Context, jobID string) (int, error) {
	return t.countItems(ctx,
		`SELECT COUNT(*) FROM job_errors WHERE job_id = $1`, jobID)
}

func (t *Tx) InsertJobLinks(ctx context.Context, links []*domain.JobLink) error {
	for _, link := range links {
		err := t.tx.QueryRow(ctx,
			`INSERT INTO job_links (job_id, href, type, title, rel, temporal, bbox)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			link.JobID, link.Href, link.Type, link.Title, link.Rel,
			link.Temporal, link.BBox).Scan(&link.ID)
		if err != nil {
			return fmt.Errorf("failed to insert job link: %w", err)
		}
	}
	return nil
}

func (t *Tx) CountJobLinks(ctx context.Context, jobID string) (int, error) {
	return t.countItems(ctx,
		`SELECT COUNT(*) FROM job_links WHERE job_id = $1`, jobID)
}

func (t *Tx) AppendBatchInputs(ctx context.Context, jobID string, stepIndex int, inputs []work.BatchInput) error {
	for i := range inputs {
		err := t.tx.QueryRow(ctx,
			`INSERT INTO batch_inputs (job_id, step_index, source_sort_index, url, size_bytes)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			jobID, stepIndex, inputs[i].SourceSortIndex, inputs[i].URL,
			inputs[i].Size).Scan(&inputs[i].ID)
		if err != nil {
			return fmt.Errorf("failed to insert batch input: %w", err)
		}
	}
	return nil
}

func (t *Tx) PendingBatchInputs(ctx context.Context, jobID string, stepIndex int) ([]work.BatchInput, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, source_sort_index, url, size_bytes
		 FROM batch_inputs
		 WHERE job_id = $1 AND step_index = $2 AND work_item_id IS NULL
		 ORDER BY source_sort_index, id`, jobID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending batch inputs: %w", err)
	}
	defer rows.Close()

	var pending []work.BatchInput
	for rows.Next() {
		var input work.BatchInput
		if err := rows.Scan(&input.ID, &input.SourceSortIndex, &input.URL, &input.Size); err != nil {
			return nil, fmt.Errorf("failed to scan batch input: %w", err)
		}
		pending = append(pending, input)
	}
	return pending, rows.Err()
}

func (t *Tx) BatchInputsForItem(ctx context.Context, workItemID int64) ([]work.BatchInput, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, source_sort_index, url, size_bytes
		 FROM batch_inputs
		 WHERE work_item_id = $1
		 ORDER BY source_sort_index, id`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch inputs for item: %w", err)
	}
	defer rows.Close()

	var inputs []work.BatchInput
	for rows.Next() {
		var input work.BatchInput
		if err := rows.Scan(&input.ID, &input.SourceSortIndex, &input.URL, &input.Size); err != nil {
			return nil, fmt.Errorf("failed to scan batch input: %w", err)
		}
		inputs = append(inputs, input)
	}
	return inputs, rows.Err()
}

func (t *Tx) AssignBatch(ctx context.Context, inputIDs []int64, workItemID int64) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE batch_inputs SET work_item_id = $2 WHERE id = ANY($1)`,
		inputIDs, workItemID); err != nil {
		return fmt.Errorf("failed to assign batch inputs: %w", err)
	}
	return nil
}

// NextUsername picks the user with the least running work across all
// services among users with ready work for serviceID; ties go to the user
// served least recently.
func (t *Tx) NextUsername(ctx context.Context, serviceID string) (string, error) {
	var username string
	err := t.tx.QueryRow(ctx, `
		WITH totals AS (
			SELECT username,
			       SUM(running_count) AS running,
			       MAX(last_worked) AS last_worked
			FROM user_work
			GROUP BY username
		)
		SELECT t.username
		FROM totals t
		WHERE EXISTS (
			SELECT 1 FROM user_work w
			WHERE w.username = t.username
			  AND w.service_id = $1
			  AND w.ready_count > 0
		)
		ORDER BY t.running ASC, t.last_worked ASC
		LIMIT 1`, serviceID).Scan(&username)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrNoWorkAvailable
	}
	if err != nil {
		return "", fmt.Errorf("failed to select next username: %w", err)
	}
	return username, nil
}

// NextJobID picks the user's job to serve: synchronous jobs before
// asynchronous ones, then least recently worked.
func (t *Tx) NextJobID(ctx context.Context, username, serviceID string) (string, error) {
	var jobID string
	err := t.tx.QueryRow(ctx,
		`SELECT job_id FROM user_work
		 WHERE username = $1 AND service_id = $2 AND ready_count > 0
		 ORDER BY is_async ASC, last_worked ASC
		 LIMIT 1`, username, serviceID).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrNoWorkAvailable
	}
	if err != nil {
		return "", fmt.Errorf("failed to select next job: %w", err)
	}
	return jobID, nil
}

// PopReadyItem locks the job's first ready item for the service in sort
// order, flips it to running, and adjusts the ledger. Items of a sequential
// step are withheld while one of that step's items is running. SKIP LOCKED
// keeps concurrent schedulers from serializing on the same row.
func (t *Tx) PopReadyItem(ctx context.Context, jobID, serviceID string) (*domain.WorkItem, error) {
	item, err := scanWorkItem(t.tx.QueryRow(ctx, `
		SELECT w.id, w.job_id, w.step_index, w.service_id, w.status,
		       w.catalog_location, w.scroll_token, w.sort_index, w.retry_count,
		       w.started_at, w.duration_ms, w.total_items_size,
		       w.output_item_sizes, w.created_at, w.updated_at
		FROM work_items w
		JOIN workflow_steps s
		  ON s.job_id = w.job_id AND s.step_index = w.step_index
		WHERE w.job_id = $1 AND w.service_id = $2 AND w.status = 'ready'
		  AND (NOT s.is_sequential OR NOT EXISTS (
			SELECT 1 FROM work_items r
			WHERE r.job_id = w.job_id
			  AND r.step_index = w.step_index
			  AND r.status = 'running'
		  ))
		ORDER BY w.sort_index, w.id
		LIMIT 1
		FOR UPDATE OF w SKIP LOCKED`, jobID, serviceID), 0)
	if err != nil {
		if errors.Is(err, domain.ErrWorkItemNotFound) {
			return nil, domain.ErrNoWorkAvailable
		}
		return nil, err
	}

	now := time.Now().UTC()
	item.Status = domain.StatusRunning
	item.StartedAt = &now
	if err := t.UpdateWorkItem(ctx, item); err != nil {
		return nil, err
	}
	if err := t.AdjustUserWork(ctx, jobID, serviceID, -1, 1); err != nil {
		return nil, err
	}
	return item, nil
}
