// Package work defines the transactional store contract shared by the
// scheduler, the update ingester, and the failer. All orchestration state
// transitions run inside a single Atomic call; implementations must acquire
// row locks in a fixed order (job, then work item, then user work) so
// concurrent transactions cannot deadlock.
package work

import (
	"context"
	"time"

	"github.com/skywatch/conductor/internal/domain"
)

// Store is the persistent orchestration store.
type Store interface {
	// Atomic runs fn inside one transaction. The transaction commits when
	// fn returns nil and rolls back otherwise.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	// JobIDsForWorkItems resolves work item IDs to their job IDs. Unknown
	// items are absent from the result.
	JobIDsForWorkItems(ctx context.Context, itemIDs []int64) (map[int64]string, error)

	// FindExpiredRunningItems returns running items whose age exceeds the
	// per-(job, service) adaptive threshold: a high percentile of observed
	// successful durations for that pair, never below floor.
	FindExpiredRunningItems(ctx context.Context, floor time.Duration) ([]ExpiredItem, error)

	// Read side, used by the job status surface. No locks taken.
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobLinks(ctx context.Context, jobID string) ([]*domain.JobLink, error)
	ListJobErrors(ctx context.Context, jobID string) ([]*domain.JobError, error)
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	// GetJobForUpdate loads a job and takes its row lock. Every mutation of
	// a job's work items starts here; the job lock serializes completions
	// within a job.
	GetJobForUpdate(ctx context.Context, jobID string) (*domain.Job, error)

	// GetWorkItemForUpdate loads a work item and takes its row lock.
	// Callers must hold the job lock first.
	GetWorkItemForUpdate(ctx context.Context, itemID int64) (*domain.WorkItem, error)

	GetWorkflowStep(ctx context.Context, jobID string, stepIndex int) (*domain.WorkflowStep, error)
	ListWorkflowSteps(ctx context.Context, jobID string) ([]*domain.WorkflowStep, error)
	SetStepWorkItemCount(ctx context.Context, jobID string, stepIndex, count int) error

	UpdateJob(ctx context.Context, job *domain.Job) error
	UpdateWorkItem(ctx context.Context, item *domain.WorkItem) error

	// InsertJob and InsertWorkflowSteps seed a new job's rows.
	InsertJob(ctx context.Context, job *domain.Job) error
	InsertWorkflowSteps(ctx context.Context, steps []*domain.WorkflowStep) error

	// InsertWorkItems inserts new items and assigns their IDs in place.
	InsertWorkItems(ctx context.Context, items []*domain.WorkItem) error

	// Work item aggregates, scoped to (job, step).
	MaxSortIndex(ctx context.Context, jobID string, stepIndex int) (int, error)
	CompletedCount(ctx context.Context, jobID string, stepIndex int) (int, error)
	SuccessfulCount(ctx context.Context, jobID string, stepIndex int) (int, error)
	ItemCount(ctx context.Context, jobID string, stepIndex int) (int, error)

	// ActiveItemCount counts a job's items in ready or running status.
	ActiveItemCount(ctx context.Context, jobID string) (int, error)

	// CancelReadyItems bulk-cancels a job's ready items. Running items are
	// left to finish; their eventual updates are dropped once the job is
	// terminal.
	CancelReadyItems(ctx context.Context, jobID string) (int64, error)

	// User-work ledger maintenance. AdjustUserWork upserts the (job,
	// service) row, applies the deltas, stamps lastWorked, and deletes the
	// row when both counts reach zero.
	AdjustUserWork(ctx context.Context, jobID, serviceID string, readyDelta, runningDelta int) error
	DeleteUserWork(ctx context.Context, jobID string) error

	// RebuildUserWork replaces a job's ledger rows with counts aggregated
	// from the authoritative work item table.
	RebuildUserWork(ctx context.Context, jobID string) error

	InsertJobError(ctx context.Context, jobError *domain.JobError) error
	CountJobErrors(ctx context.Context, jobID string) (int, error)
	InsertJobLinks(ctx context.Context, links []*domain.JobLink) error
	CountJobLinks(ctx context.Context, jobID string) (int, error)

	// Pending aggregation buffer for a downstream aggregating step.
	AppendBatchInputs(ctx context.Context, jobID string, stepIndex int, inputs []BatchInput) error
	PendingBatchInputs(ctx context.Context, jobID string, stepIndex int) ([]BatchInput, error)
	AssignBatch(ctx context.Context, inputIDs []int64, workItemID int64) error

	// BatchInputsForItem returns the inputs already assigned to a batch
	// item, in (SourceSortIndex, ID) order. Used to rebuild the item's
	// combined input catalog on retry.
	BatchInputsForItem(ctx context.Context, workItemID int64) ([]BatchInput, error)

	// Fair-scheduling selection over the user-work ledger.
	NextUsername(ctx context.Context, serviceID string) (string, error)
	NextJobID(ctx context.Context, username, serviceID string) (string, error)

	// PopReadyItem locks and returns the oldest ready item for (job,
	// service), flips it to running, and adjusts the ledger. Sequential
	// steps yield nothing while one of their items is running.
	PopReadyItem(ctx context.Context, jobID, serviceID string) (*domain.WorkItem, error)
}

// BatchInput is one upstream result URL buffered for a downstream
// aggregating step. Inputs are ordered by (SourceSortIndex, ID), preserving
// upstream provenance.
type BatchInput struct {
	ID              int64
	SourceSortIndex int
	URL             string
	Size            int64
}

// ExpiredItem is a running work item the failer has judged stuck.
type ExpiredItem struct {
	WorkItemID int64
	JobID      string
	ServiceID  string
	Age        time.Duration
	Threshold  time.Duration
}
