package work

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skywatch/conductor/internal/domain"
)

// MemoryStore is an in-process Store used by tests and local development.
// A single mutex stands in for row locking, which trivially satisfies the
// lock-ordering discipline; Atomic snapshots the state and restores it when
// the callback fails, so partial transitions are never observed.
type MemoryStore struct {
	mu sync.Mutex

	jobs        map[string]*domain.Job
	steps       map[string][]*domain.WorkflowStep
	items       map[int64]*domain.WorkItem
	userWork    map[string]map[string]*domain.UserWork
	jobErrors   []*domain.JobError
	jobLinks    []*domain.JobLink
	batchInputs []*memBatchInput

	nextItemID  int64
	nextBatchID int64
	nextRowID   int64

	// Now supplies timestamps; tests may replace it.
	Now func() time.Time
}

type memBatchInput struct {
	BatchInput
	jobID      string
	stepIndex  int
	workItemID int64 // 0 while pending
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*domain.Job),
		steps:    make(map[string][]*domain.WorkflowStep),
		items:    make(map[int64]*domain.WorkItem),
		userWork: make(map[string]map[string]*domain.UserWork),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob seeds a job with its workflow steps and initial work items and
// populates the user-work ledger from those items.
func (s *MemoryStore) CreateJob(ctx context.Context, job *domain.Job, steps []*domain.WorkflowStep, items []*domain.WorkItem) error {
	return s.Atomic(ctx, func(tx Tx) error {
		if err := tx.InsertJob(ctx, job); err != nil {
			return err
		}
		for _, st := range steps {
			st.JobID = job.ID
		}
		if err := tx.InsertWorkflowSteps(ctx, steps); err != nil {
			return err
		}
		for _, it := range items {
			it.JobID = job.ID
		}
		if err := tx.InsertWorkItems(ctx, items); err != nil {
			return err
		}
		return tx.RebuildUserWork(ctx, job.ID)
	})
}

// Atomic runs fn under the store mutex, restoring the previous state when
// fn returns an error.
func (s *MemoryStore) Atomic(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// JobIDsForWorkItems resolves work item IDs to job IDs.
func (s *MemoryStore) JobIDsForWorkItems(_ context.Context, itemIDs []int64) (map[int64]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[int64]string, len(itemIDs))
	for _, id := range itemIDs {
		if item, ok := s.items[id]; ok {
			result[id] = item.JobID
		}
	}
	return result, nil
}

// FindExpiredRunningItems returns running items older than the adaptive
// per-(job, service) threshold: twice the 90th percentile of successful
// durations for the pair, never below floor.
func (s *MemoryStore) FindExpiredRunningItems(_ context.Context, floor time.Duration) ([]ExpiredItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type pair struct{ job, service string }
	durations := make(map[pair][]time.Duration)
	for _, it := range s.items {
		if it.Status == domain.StatusSuccessful && it.Duration > 0 {
			key := pair{it.JobID, it.ServiceID}
			durations[key] = append(durations[key], it.Duration)
		}
	}

	now := s.Now()
	var expired []ExpiredItem
	for _, it := range s.items {
		if it.Status != domain.StatusRunning || it.StartedAt == nil {
			continue
		}
		threshold := floor
		if ds := durations[pair{it.JobID, it.ServiceID}]; len(ds) > 0 {
			if t := 2 * percentile(ds, 0.9); t > threshold {
				threshold = t
			}
		}
		age := now.Sub(*it.StartedAt)
		if age > threshold {
			expired = append(expired, ExpiredItem{
				WorkItemID: it.ID,
				JobID:      it.JobID,
				ServiceID:  it.ServiceID,
				Age:        age,
				Threshold:  threshold,
			})
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].WorkItemID < expired[j].WorkItemID })
	return expired, nil
}

func percentile(ds []time.Duration, p float64) time.Duration {
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// GetJob returns a copy of the job.
func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return cloneJob(j), nil
}

// ListJobLinks returns copies of a job's result links.
func (s *MemoryStore) ListJobLinks(_ context.Context, jobID string) ([]*domain.JobLink, error) {
	return s.Links(jobID), nil
}

// ListJobErrors returns copies of a job's errors.
func (s *MemoryStore) ListJobErrors(_ context.Context, jobID string) ([]*domain.JobError, error) {
	return s.Errors(jobID), nil
}

// === Inspection helpers (tests, local tooling) ===

// Job returns a copy of the job, or nil.
func (s *MemoryStore) Job(jobID string) *domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		return cloneJob(j)
	}
	return nil
}

// Items returns copies of a job's work items ordered by (step, sort, id).
func (s *MemoryStore) Items(jobID string) []*domain.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*domain.WorkItem
	for _, it := range s.items {
		if it.JobID == jobID {
			items = append(items, cloneItem(it))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].StepIndex != items[j].StepIndex {
			return items[i].StepIndex < items[j].StepIndex
		}
		if items[i].SortIndex != items[j].SortIndex {
			return items[i].SortIndex < items[j].SortIndex
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// UserWorkRows returns copies of a job's ledger rows.
func (s *MemoryStore) UserWorkRows(jobID string) []*domain.UserWork {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*domain.UserWork
	for _, row := range s.userWork[jobID] {
		c := *row
		rows = append(rows, &c)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ServiceID < rows[j].ServiceID })
	return rows
}

// Links returns copies of a job's links.
func (s *MemoryStore) Links(jobID string) []*domain.JobLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	var links []*domain.JobLink
	for _, l := range s.jobLinks {
		if l.JobID == jobID {
			c := *l
			links = append(links, &c)
		}
	}
	return links
}

// Errors returns copies of a job's errors.
func (s *MemoryStore) Errors(jobID string) []*domain.JobError {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []*domain.JobError
	for _, e := range s.jobErrors {
		if e.JobID == jobID {
			c := *e
			errs = append(errs, &c)
		}
	}
	return errs
}

// === Snapshot/restore ===

type memSnapshot struct {
	jobs        map[string]*domain.Job
	steps       map[string][]*domain.WorkflowStep
	items       map[int64]*domain.WorkItem
	userWork    map[string]map[string]*domain.UserWork
	jobErrors   []*domain.JobError
	jobLinks    []*domain.JobLink
	batchInputs []*memBatchInput
	nextItemID  int64
	nextBatchID int64
	nextRowID   int64
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		jobs:        make(map[string]*domain.Job, len(s.jobs)),
		steps:       make(map[string][]*domain.WorkflowStep, len(s.steps)),
		items:       make(map[int64]*domain.WorkItem, len(s.items)),
		userWork:    make(map[string]map[string]*domain.UserWork, len(s.userWork)),
		nextItemID:  s.nextItemID,
		nextBatchID: s.nextBatchID,
		nextRowID:   s.nextRowID,
	}
	for id, j := range s.jobs {
		snap.jobs[id] = cloneJob(j)
	}
	for id, steps := range s.steps {
		copied := make([]*domain.WorkflowStep, len(steps))
		for i, st := range steps {
			copied[i] = cloneStep(st)
		}
		snap.steps[id] = copied
	}
	for id, it := range s.items {
		snap.items[id] = cloneItem(it)
	}
	for jobID, rows := range s.userWork {
		copied := make(map[string]*domain.UserWork, len(rows))
		for svc, row := range rows {
			c := *row
			copied[svc] = &c
		}
		snap.userWork[jobID] = copied
	}
	for _, e := range s.jobErrors {
		c := *e
		snap.jobErrors = append(snap.jobErrors, &c)
	}
	for _, l := range s.jobLinks {
		c := *l
		snap.jobLinks = append(snap.jobLinks, &c)
	}
	for _, b := range s.batchInputs {
		c := *b
		snap.batchInputs = append(snap.batchInputs, &c)
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.jobs = snap.jobs
	s.steps = snap.steps
	s.items = snap.items
	s.userWork = snap.userWork
	s.jobErrors = snap.jobErrors
	s.jobLinks = snap.jobLinks
	s.batchInputs = snap.batchInputs
	s.nextItemID = snap.nextItemID
	s.nextBatchID = snap.nextBatchID
	s.nextRowID = snap.nextRowID
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	return &c
}

func cloneStep(st *domain.WorkflowStep) *domain.WorkflowStep {
	c := *st
	return &c
}

func cloneItem(it *domain.WorkItem) *domain.WorkItem {
	c := *it
	if it.StartedAt != nil {
		t := *it.StartedAt
		c.StartedAt = &t
	}
	c.OutputItemSizes = append([]int64(nil), it.OutputItemSizes...)
	return &c
}

// === Tx implementation ===

type memTx struct {
	s *MemoryStore
}

func (t *memTx) GetJobForUpdate(_ context.Context, jobID string) (*domain.Job, error) {
	j, ok := t.s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return j, nil
}

func (t *memTx) GetWorkItemForUpdate(_ context.Context, itemID int64) (*domain.WorkItem, error) {
	it, ok := t.s.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrWorkItemNotFound, itemID)
	}
	return it, nil
}

func (t *memTx) GetWorkflowStep(_ context.Context, jobID string, stepIndex int) (*domain.WorkflowStep, error) {
	for _, st := range t.s.steps[jobID] {
		if st.StepIndex == stepIndex {
			return st, nil
		}
	}
	return nil, fmt.Errorf("%w: job %s step %d", domain.ErrStepNotFound, jobID, stepIndex)
}

func (t *memTx) ListWorkflowSteps(_ context.Context, jobID string) ([]*domain.WorkflowStep, error) {
	return t.s.steps[jobID], nil
}

func (t *memTx) SetStepWorkItemCount(ctx context.Context, jobID string, stepIndex, count int) error {
	st, err := t.GetWorkflowStep(ctx, jobID, stepIndex)
	if err != nil {
		return err
	}
	st.WorkItemCount = count
	return nil
}

func (t *memTx) UpdateJob(_ context.Context, job *domain.Job) error {
	if _, ok := t.s.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, job.ID)
	}
	job.UpdatedAt = t.s.Now()
	t.s.jobs[job.ID] = job
	return nil
}

func (t *memTx) UpdateWorkItem(_ context.Context, item *domain.WorkItem) error {
	if _, ok := t.s.items[item.ID]; !ok {
		return fmt.Errorf("%w: %d", domain.ErrWorkItemNotFound, item.ID)
	}
	item.UpdatedAt = t.s.Now()
	t.s.items[item.ID] = item
	return nil
}

func (t *memTx) InsertJob(_ context.Context, job *domain.Job) error {
	now := t.s.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	t.s.jobs[job.ID] = job
	return nil
}

func (t *memTx) InsertWorkflowSteps(_ context.Context, steps []*domain.WorkflowStep) error {
	for _, st := range steps {
		t.s.nextRowID++
		st.ID = t.s.nextRowID
		t.s.steps[st.JobID] = append(t.s.steps[st.JobID], st)
	}
	for jobID := range t.s.steps {
		sort.Slice(t.s.steps[jobID], func(i, j int) bool {
			return t.s.steps[jobID][i].StepIndex < t.s.steps[jobID][j].StepIndex
		})
	}
	return nil
}

func (t *memTx) InsertWorkItems(_ context.Context, items []*domain.WorkItem) error {
	now := t.s.Now()
	for _, it := range items {
		t.s.nextItemID++
		it.ID = t.s.nextItemID
		it.CreatedAt = now
		it.UpdatedAt = now
		t.s.items[it.ID] = it
	}
	return nil
}

func (t *memTx) MaxSortIndex(_ context.Context, jobID string, stepIndex int) (int, error) {
	maxSort := -1
	for _, it := range t.s.items {
		if it.JobID == jobID && it.StepIndex == stepIndex && it.SortIndex > maxSort {
			maxSort = it.SortIndex
		}
	}
	return maxSort, nil
}

func (t *memTx) countItems(jobID string, stepIndex int, match func(*domain.WorkItem) bool) int {
	count := 0
	for _, it := range t.s.items {
		if it.JobID == jobID && (stepIndex < 0 || it.StepIndex == stepIndex) && match(it) {
			count++
		}
	}
	return count
}

func (t *memTx) CompletedCount(_ context.Context, jobID string, stepIndex int) (int, error) {
	return t.countItems(jobID, stepIndex, func(it *domain.WorkItem) bool { return it.Status.Completed() }), nil
}

func (t *memTx) SuccessfulCount(_ context.Context, jobID string, stepIndex int) (int, error) {
	return t.countItems(jobID, stepIndex, func(it *domain.WorkItem) bool { return it.Status == domain.StatusSuccessful }), nil
}

func (t *memTx) ItemCount(_ context.Context, jobID string, stepIndex int) (int, error) {
	return t.countItems(jobID, stepIndex, func(*domain.WorkItem) bool { return true }), nil
}

func (t *memTx) ActiveItemCount(_ context.Context, jobID string) (int, error) {
	return t.countItems(jobID, -1, func(it *domain.WorkItem) bool {
		return it.Status == domain.StatusReady || it.Status == domain.StatusRunning
	}), nil
}

func (t *memTx) CancelReadyItems(_ context.Context, jobID string) (int64, error) {
	var n int64
	for _, it := range t.s.items {
		if it.JobID == jobID && it.Status == domain.StatusReady {
			it.Status = domain.StatusCanceled
			it.UpdatedAt = t.s.Now()
			n++
		}
	}
	return n, nil
}

func (t *memTx) AdjustUserWork(_ context.Context, jobID, serviceID string, readyDelta, runningDelta int) error {
	job, ok := t.s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	rows := t.s.userWork[jobID]
	if rows == nil {
		rows = make(map[string]*domain.UserWork)
		t.s.userWork[jobID] = rows
	}
	row, ok := rows[serviceID]
	if !ok {
		row = &domain.UserWork{
			JobID:     jobID,
			ServiceID: serviceID,
			Username:  job.Username,
			IsAsync:   job.IsAsync,
		}
		rows[serviceID] = row
	}
	row.ReadyCount += readyDelta
	row.RunningCount += runningDelta
	row.LastWorked = t.s.Now()
	if row.ReadyCount <= 0 && row.RunningCount <= 0 {
		delete(rows, serviceID)
	}
	return nil
}

func (t *memTx) DeleteUserWork(_ context.Context, jobID string) error {
	delete(t.s.userWork, jobID)
	return nil
}

func (t *memTx) RebuildUserWork(_ context.Context, jobID string) error {
	job, ok := t.s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	rows := make(map[string]*domain.UserWork)
	now := t.s.Now()
	for _, it := range t.s.items {
		if it.JobID != jobID {
			continue
		}
		if it.Status != domain.StatusReady && it.Status != domain.StatusRunning {
			continue
		}
		row, ok := rows[it.ServiceID]
		if !ok {
			row = &domain.UserWork{
				JobID:      jobID,
				ServiceID:  it.ServiceID,
				Username:   job.Username,
				IsAsync:    job.IsAsync,
				LastWorked: now,
			}
			rows[it.ServiceID] = row
		}
		switch it.Status {
		case domain.StatusReady:
			row.ReadyCount++
		case domain.StatusRunning:
			row.RunningCount++
		}
	}
	t.s.userWork[jobID] = rows
	return nil
}

func (t *memTx) InsertJobError(_ context.Context, jobError *domain.JobError) error {
	t.s.nextRowID++
	jobError.ID = t.s.nextRowID
	t.s.jobErrors = append(t.s.jobErrors, jobError)
	return nil
}

func (t *memTx) CountJobErrors(_ context.Context, jobID string) (int, error) {
	count := 0
	for _, e := range t.s.jobErrors {
		if e.JobID == jobID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) InsertJobLinks(_ context.Context, links []*domain.JobLink) error {
	for _, l := range links {
		t.s.nextRowID++
		l.ID = t.s.nextRowID
		t.s.jobLinks = append(t.s.jobLinks, l)
	}
	return nil
}

func (t *memTx) CountJobLinks(_ context.Context, jobID string) (int, error) {
	count := 0
	for _, l := range t.s.jobLinks {
		if l.JobID == jobID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) AppendBatchInputs(_ context.Context, jobID string, stepIndex int, inputs []BatchInput) error {
	for _, in := range inputs {
		t.s.nextBatchID++
		in.ID = t.s.nextBatchID
		t.s.batchInputs = append(t.s.batchInputs, &memBatchInput{
			BatchInput: in,
			jobID:      jobID,
			stepIndex:  stepIndex,
		})
	}
	return nil
}

func (t *memTx) PendingBatchInputs(_ context.Context, jobID string, stepIndex int) ([]BatchInput, error) {
	var pending []BatchInput
	for _, b := range t.s.batchInputs {
		if b.jobID == jobID && b.stepIndex == stepIndex && b.workItemID == 0 {
			pending = append(pending, b.BatchInput)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].SourceSortIndex != pending[j].SourceSortIndex {
			return pending[i].SourceSortIndex < pending[j].SourceSortIndex
		}
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}

func (t *memTx) BatchInputsForItem(_ context.Context, workItemID int64) ([]BatchInput, error) {
	var inputs []BatchInput
	for _, b := range t.s.batchInputs {
		if b.workItemID == workItemID {
			inputs = append(inputs, b.BatchInput)
		}
	}
	sort.Slice(inputs, func(i, j int) bool {
		if inputs[i].SourceSortIndex != inputs[j].SourceSortIndex {
			return inputs[i].SourceSortIndex < inputs[j].SourceSortIndex
		}
		return inputs[i].ID < inputs[j].ID
	})
	return inputs, nil
}

func (t *memTx) AssignBatch(_ context.Context, inputIDs []int64, workItemID int64) error {
	assigned := make(map[int64]bool, len(inputIDs))
	for _, id := range inputIDs {
		assigned[id] = true
	}
	for _, b := range t.s.batchInputs {
		if assigned[b.BatchInput.ID] {
			b.workItemID = workItemID
		}
	}
	return nil
}

func (t *memTx) NextUsername(_ context.Context, serviceID string) (string, error) {
	// Total running work per user, across all services.
	runningByUser := make(map[string]int)
	lastWorkedByUser := make(map[string]time.Time)
	candidates := make(map[string]bool)

	for _, rows := range t.s.userWork {
		for _, row := range rows {
			runningByUser[row.Username] += row.RunningCount
			if row.LastWorked.After(lastWorkedByUser[row.Username]) {
				lastWorkedByUser[row.Username] = row.LastWorked
			}
			if row.ServiceID == serviceID && row.ReadyCount > 0 {
				candidates[row.Username] = true
			}
		}
	}
	if len(candidates) == 0 {
		return "", domain.ErrNoWorkAvailable
	}

	var best string
	for user := range candidates {
		if best == "" {
			best = user
			continue
		}
		switch {
		case runningByUser[user] < runningByUser[best]:
			best = user
		case runningByUser[user] == runningByUser[best] &&
			lastWorkedByUser[user].Before(lastWorkedByUser[best]):
			best = user
		}
	}
	return best, nil
}

func (t *memTx) NextJobID(_ context.Context, username, serviceID string) (string, error) {
	var best *domain.UserWork
	for _, rows := range t.s.userWork {
		row, ok := rows[serviceID]
		if !ok || row.Username != username || row.ReadyCount <= 0 {
			continue
		}
		if best == nil {
			best = row
			continue
		}
		// Synchronous jobs first, then least recently worked.
		switch {
		case !row.IsAsync && best.IsAsync:
			best = row
		case row.IsAsync == best.IsAsync && row.LastWorked.Before(best.LastWorked):
			best = row
		}
	}
	if best == nil {
		return "", domain.ErrNoWorkAvailable
	}
	return best.JobID, nil
}

func (t *memTx) PopReadyItem(ctx context.Context, jobID, serviceID string) (*domain.WorkItem, error) {
	var candidate *domain.WorkItem
	running := make(map[int]bool)
	for _, it := range t.s.items {
		if it.JobID != jobID || it.ServiceID != serviceID {
			continue
		}
		if it.Status == domain.StatusRunning {
			running[it.StepIndex] = true
		}
		if it.Status != domain.StatusReady {
			continue
		}
		if candidate == nil ||
			it.SortIndex < candidate.SortIndex ||
			(it.SortIndex == candidate.SortIndex && it.ID < candidate.ID) {
			candidate = it
		}
	}
	if candidate == nil {
		return nil, domain.ErrNoWorkAvailable
	}

	step, err := t.GetWorkflowStep(ctx, jobID, candidate.StepIndex)
	if err != nil {
		return nil, err
	}
	if step.IsSequential && running[candidate.StepIndex] {
		return nil, domain.ErrNoWorkAvailable
	}

	now := t.s.Now()
	candidate.Status = domain.StatusRunning
	candidate.StartedAt = &now
	candidate.UpdatedAt = now
	if err := t.AdjustUserWork(ctx, jobID, serviceID, -1, 1); err != nil {
		return nil, err
	}
	return cloneItem(candidate), nil
}
