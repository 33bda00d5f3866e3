package domain

import "time"

// WorkItemStatus is the lifecycle status of a work item.
type WorkItemStatus string

const (
	StatusReady      WorkItemStatus = "ready"
	StatusRunning    WorkItemStatus = "running"
	StatusSuccessful WorkItemStatus = "successful"
	StatusFailed     WorkItemStatus = "failed"
	StatusCanceled   WorkItemStatus = "canceled"
)

// Completed reports whether the status is final for the item. A completed
// item never transitions again except under an explicit retry, which resets
// it to ready and increments the retry count.
func (s WorkItemStatus) Completed() bool {
	switch s {
	case StatusSuccessful, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// WorkItem is one unit of work for a service: a single granule page, a
// fan-out input, or an aggregated batch catalog.
type WorkItem struct {
	ID              int64
	JobID           string
	StepIndex       int
	ServiceID       string
	Status          WorkItemStatus
	CatalogLocation string
	ScrollToken     string // paginator items only
	SortIndex       int
	RetryCount      int
	StartedAt       *time.Time
	Duration        time.Duration
	TotalItemsSize  int64
	OutputItemSizes []int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Retry resets a failed item to ready and counts the attempt.
func (w *WorkItem) Retry() {
	w.Status = StatusReady
	w.RetryCount++
	w.StartedAt = nil
}

// WorkflowStep is one service stage of a job's pipeline. Step index 1 is
// always the catalog paginator. WorkItemCount is the expected number of
// items for the step and is recomputed whenever the job's input granule
// count shrinks.
type WorkflowStep struct {
	ID                  int64
	JobID               string
	StepIndex           int
	ServiceID           string
	WorkItemCount       int
	HasAggregatedOutput bool
	IsBatched           bool
	IsSequential        bool
	MaxBatchInputs      int
	MaxBatchSizeBytes   int64
}

// PaginatorStepIndex is the step index reserved for the catalog paginator.
const PaginatorStepIndex = 1

// IsPaginator reports whether the step is the catalog paginator.
func (s *WorkflowStep) IsPaginator() bool {
	return s.StepIndex == PaginatorStepIndex
}

// ExpectedWorkItemCount returns the expected item count for a step given
// the job's input granule budget and the paginator page size.
func ExpectedWorkItemCount(step *WorkflowStep, numInputGranules, pageSize int) int {
	switch {
	case step.IsPaginator():
		if pageSize <= 0 {
			return 0
		}
		return (numInputGranules + pageSize - 1) / pageSize
	case step.HasAggregatedOutput:
		// Batched aggregation emits a variable number of items; the
		// completion gate reads the upstream step's count, never this one.
		return 1
	default:
		return numInputGranules
	}
}

// UserWork is a derived per-(job, service) aggregate used for O(1) fair
// scheduling decisions. It is rebuildable from the work item table: the
// ready and running counts must always equal the counts of items in the
// corresponding statuses.
type UserWork struct {
	JobID        string
	ServiceID    string
	Username     string
	ReadyCount   int
	RunningCount int
	LastWorked   time.Time
	IsAsync      bool
}
