package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywatch/conductor/internal/application/work"
	"github.com/skywatch/conductor/internal/catalog"
	"github.com/skywatch/conductor/internal/config"
	"github.com/skywatch/conductor/internal/domain"
	"github.com/skywatch/conductor/internal/queue"
	"github.com/skywatch/conductor/internal/storage"
	fsstore "github.com/skywatch/conductor/internal/storage/fs"
)

type fixture struct {
	store   *work.MemoryStore
	objects storage.ObjectStore
	locator catalog.Locator
	sched   *queue.MemoryQueue
	updates *queue.MemoryQueue
	handler *Handler
}

func testConfig() config.WorkflowConfig {
	cfg := config.Default().Workflow
	cfg.RetryLimit = 1
	cfg.MaxErrorsForJob = 10
	return cfg
}

func newFixture(t *testing.T, cfg config.WorkflowConfig) *fixture {
	t.Helper()

	objects, err := fsstore.NewStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		store:   work.NewMemoryStore(),
		objects: objects,
		locator: catalog.Locator{Scheme: "file", Bucket: "artifacts"},
		sched:   queue.NewMemoryQueue(time.Minute),
		updates: queue.NewMemoryQueue(time.Minute),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.handler = NewHandler(f.store, f.objects, f.locator, cfg, 100, f.sched, f.updates, logger)
	return f
}

// seedJob inserts a job with its steps and items and rebuilds the ledger.
// Items given as running get a start timestamp.
func seedJob(t *testing.T, f *fixture, job *domain.Job, steps []*domain.WorkflowStep, items []*domain.WorkItem) {
	t.Helper()
	now := time.Now().UTC()
	for _, item := range items {
		if item.Status == domain.StatusRunning && item.StartedAt == nil {
			started := now
			item.StartedAt = &started
		}
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job, steps, items))
}

// popItem dispatches the next ready item for (job, service) like the
// scheduler would.
func popItem(t *testing.T, f *fixture, jobID, serviceID string) *domain.WorkItem {
	t.Helper()
	var item *domain.WorkItem
	err := f.store.Atomic(context.Background(), func(tx work.Tx) error {
		var err error
		item, err = tx.PopReadyItem(context.Background(), jobID, serviceID)
		return err
	})
	require.NoError(t, err)
	return item
}

// putResultCatalog writes a one-item output catalog at url.
func putResultCatalog(t *testing.T, f *fixture, url string) {
	t.Helper()
	cat := catalog.Catalog{
		StacVersion: catalog.StacVersion,
		ID:          "result",
		Links:       []catalog.Link{{Rel: catalog.RelItem, Href: "./granule_0.json"}},
	}
	require.NoError(t, f.objects.PutJSON(context.Background(), url, &cat))
}

func succeed(results []string, sizes []int64) domain.Update {
	return domain.Success{
		Results:         results,
		OutputItemSizes: sizes,
		Duration:        time.Second,
	}
}

func itemByID(t *testing.T, f *fixture, jobID string, itemID int64) *domain.WorkItem {
	t.Helper()
	for _, item := range f.store.Items(jobID) {
		if item.ID == itemID {
			return item
		}
	}
	t.Fatalf("work item %d not found", itemID)
	return nil
}

func TestFanOutChainToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	job := &domain.Job{ID: "job-1", Username: "ada", Status: domain.JobAccepted, NumInputGranules: 3, IsAsync: true}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 3},
	}
	paginator := &domain.WorkItem{StepIndex: 1, ServiceID: "query-cmr", Status: domain.StatusRunning, CatalogLocation: "file://artifacts/job-1/inputs/catalog.json"}
	seedJob(t, f, job, steps, []*domain.WorkItem{paginator})

	results := []string{
		"file://artifacts/job-1/r0/catalog.json",
		"file://artifacts/job-1/r1/catalog.json",
		"file://artifacts/job-1/r2/catalog.json",
	}
	require.NoError(t, f.handler.Process(ctx, "job-1",
		domain.ItemUpdate{WorkItemID: paginator.ID, Update: succeed(results, []int64{1, 1, 1})}))

	// Fan-out: one downstream item per result, in order.
	items := f.store.Items("job-1")
	require.Len(t, items, 4)
	for i, item := range items[1:] {
		assert.Equal(t, 2, item.StepIndex)
		assert.Equal(t, domain.StatusReady, item.Status)
		assert.Equal(t, i, item.SortIndex)
		assert.Equal(t, results[i], item.CatalogLocation)
	}
	assert.Equal(t, domain.JobRunning, f.store.Job("job-1").Status)
	assert.Greater(t, f.sched.Len(), 0, "fan-out must trigger the scheduler")

	// Drain the chain like the scheduler and workers would.
	for i := 0; i < 3; i++ {
		item := popItem(t, f, "job-1", "reproject")
		require.NoError(t, f.handler.Process(ctx, "job-1", domain.ItemUpdate{
			WorkItemID: item.ID,
			Update:     succeed([]string{item.CatalogLocation}, []int64{1}),
		}))
	}

	final := f.store.Job("job-1")
	assert.Equal(t, domain.JobSuccessful, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Len(t, f.store.Links("job-1"), 3)
	assert.Empty(t, f.store.UserWorkRows("job-1"), "finished jobs leave the ledger")
}

func TestFailureRetriesBeforeTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	job := &domain.Job{ID: "job-2", Username: "ada", Status: domain.JobRunning, NumInputGranules: 2, IgnoreErrors: true}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 2},
	}
	items := []*domain.WorkItem{
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: 0, CatalogLocation: "file://artifacts/job-2/0/catalog.json"},
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: 1, CatalogLocation: "file://artifacts/job-2/1/catalog.json"},
	}
	seedJob(t, f, job, steps, items)

	failing := items[0].ID
	require.NoError(t, f.handler.Process(ctx, "job-2",
		domain.ItemUpdate{WorkItemID: failing, Update: domain.Failure{Message: "worker crashed"}}))

	// First failure is retried, not recorded.
	retried := itemByID(t, f, "job-2", failing)
	assert.Equal(t, domain.StatusReady, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Empty(t, f.store.Errors("job-2"))

	// Dispatch and fail again: the retry budget is spent.
	popItem(t, f, "job-2", "reproject")
	require.NoError(t, f.handler.Process(ctx, "job-2",
		domain.ItemUpdate{WorkItemID: failing, Update: domain.Failure{Message: "worker crashed"}}))

	failed := itemByID(t, f, "job-2", failing)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	require.Len(t, f.store.Errors("job-2"), 1)
	assert.Equal(t, "worker crashed", f.store.Errors("job-2")[0].Message)
	assert.Equal(t, domain.JobRunningWithErrors, f.store.Job("job-2").Status)

	// The sibling succeeds; the job completes with errors.
	require.NoError(t, f.handler.Process(ctx, "job-2", domain.ItemUpdate{
		WorkItemID: items[1].ID,
		Update:     succeed([]string{items[1].CatalogLocation}, []int64{1}),
	}))
	assert.Equal(t, domain.JobCompleteWithErrors, f.store.Job("job-2").Status)
	assert.Equal(t, 100, f.store.Job("job-2").Progress)
}

func TestTerminalFailureFailsJobWhenErrorsNotIgnored(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RetryLimit = 0
	f := newFixture(t, cfg)

	job := &domain.Job{ID: "job-3", Username: "ada", Status: domain.JobRunning, NumInputGranules: 3}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 3},
	}
	items := []*domain.WorkItem{
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: 0},
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: 1},
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusReady, SortIndex: 2},
	}
	seedJob(t, f, job, steps, items)

	require.NoError(t, f.handler.Process(ctx, "job-3",
		domain.ItemUpdate{WorkItemID: items[0].ID, Update: domain.Failure{Message: "bad granule"}}))

	failedJob := f.store.Job("job-3")
	assert.Equal(t, domain.JobFailed, failedJob.Status)
	assert.Equal(t, "bad granule", failedJob.Message)
	assert.Equal(t, domain.StatusCanceled, itemByID(t, f, "job-3", items[2].ID).Status,
		"ready items are canceled when the job fails")
	assert.Equal(t, domain.StatusRunning, itemByID(t, f, "job-3", items[1].ID).Status,
		"running items are left to finish")
	assert.Empty(t, f.store.UserWorkRows("job-3"))

	// The still-running item's late success is dropped.
	require.NoError(t, f.handler.Process(ctx, "job-3", domain.ItemUpdate{
		WorkItemID: items[1].ID,
		Update:     succeed([]string{"file://artifacts/job-3/late/catalog.json"}, []int64{1}),
	}))
	assert.Equal(t, domain.StatusCanceled, itemByID(t, f, "job-3", items[1].ID).Status)
	assert.Empty(t, f.store.Links("job-3"))
	assert.Equal(t, domain.JobFailed, f.store.Job("job-3").Status)
}

func TestPaginatorSuccessChainsNextPage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	job := &domain.Job{ID: "job-4", Username: "ada", Status: domain.JobRunning, NumInputGranules: 5000}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 3},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 5000},
	}
	paginator := &domain.WorkItem{StepIndex: 1, ServiceID: "query-cmr", Status: domain.StatusRunning, CatalogLocation: "file://artifacts/job-4/inputs/catalog.json"}
	seedJob(t, f, job, steps, []*domain.WorkItem{paginator})

	hits := 4500
	require.NoError(t, f.handler.Process(ctx, "job-4", domain.ItemUpdate{
		WorkItemID: paginator.ID,
		Update: domain.Success{
			Results:         []string{"file://artifacts/job-4/page0/catalog.json"},
			OutputItemSizes: []int64{1},
			Hits:            &hits,
			ScrollToken:     "scroll-1",
		},
	}))

	// Hit count shrank, so the granule budget and step counts follow.
	assert.Equal(t, 4500, f.store.Job("job-4").NumInputGranules)

	var jobSteps []*domain.WorkflowStep
	require.NoError(t, f.store.Atomic(ctx, func(tx work.Tx) error {
		var err error
		jobSteps, err = tx.ListWorkflowSteps(ctx, "job-4")
		return err
	}))
	require.Len(t, jobSteps, 2)
	assert.Equal(t, 3, jobSteps[0].WorkItemCount, "paginator count is pages of the new budget")
	assert.Equal(t, 4500, jobSteps[1].WorkItemCount)

	items := f.store.Items("job-4")
	require.Len(t, items, 3)

	successor := items[1]
	assert.Equal(t, 1, successor.StepIndex)
	assert.Equal(t, domain.StatusReady, successor.Status)
	assert.Equal(t, 1, successor.SortIndex)
	assert.Equal(t, "scroll-1", successor.ScrollToken)
	assert.Equal(t, paginator.CatalogLocation, successor.CatalogLocation)

	// Single-result completions propagate their sort index downstream.
	downstream := items[2]
	assert.Equal(t, 2, downstream.StepIndex)
	assert.Equal(t, 0, downstream.SortIndex)
}

func TestPaginatorStopsWhenBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	job := &domain.Job{ID: "job-4b", Username: "ada", Status: domain.JobRunning, NumInputGranules: 2000}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 2000},
	}
	paginator := &domain.WorkItem{StepIndex: 1, ServiceID: "query-cmr", Status: domain.StatusRunning}
	seedJob(t, f, job, steps, []*domain.WorkItem{paginator})

	// One full page covers the whole budget: no successor page is created.
	require.NoError(t, f.handler.Process(ctx, "job-4b", domain.ItemUpdate{
		WorkItemID: paginator.ID,
		Update: domain.Success{
			Results:         []string{"file://artifacts/job-4b/page0/catalog.json"},
			OutputItemSizes: []int64{1},
			ScrollToken:     "scroll-1",
		},
	}))

	pages := 0
	for _, item := range f.store.Items("job-4b") {
		if item.StepIndex == 1 {
			pages++
		}
	}
	assert.Equal(t, 1, pages)
}

func TestPaginatorFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RetryLimit = 0
	f := newFixture(t, cfg)

	job := &domain.Job{ID: "job-5", Username: "ada", Status: domain.JobRunning, NumInputGranules: 100, IgnoreErrors: true}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 100},
	}
	paginator := &domain.WorkItem{StepIndex: 1, ServiceID: "query-cmr", Status: domain.StatusRunning}
	seedJob(t, f, job, steps, []*domain.WorkItem{paginator})

	require.NoError(t, f.handler.Process(ctx, "job-5",
		domain.ItemUpdate{WorkItemID: paginator.ID, Update: domain.Failure{Message: "catalog unavailable"}}))

	// Losing the input stream fails the job even with ignore-errors set.
	failedJob := f.store.Job("job-5")
	assert.Equal(t, domain.JobFailed, failedJob.Status)
	assert.Equal(t, msgCatalogQueryFailed, failedJob.Message)
}

func TestDuplicateUpdateIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	job := &domain.Job{ID: "job-6", Username: "ada", Status: domain.JobRunning, NumInputGranules: 1}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 1},
	}
	paginator := &domain.WorkItem{StepIndex: 1, ServiceID: "query-cmr", Status: domain.StatusRunning}
	seedJob(t, f, job, steps, []*domain.WorkItem{paginator})

	update := domain.ItemUpdate{
		WorkItemID: paginator.ID,
		Update:     succeed([]string{"file://artifacts/job-6/page0/catalog.json"}, []int64{1}),
	}
	require.NoError(t, f.handler.Process(ctx, "job-6", update))
	require.NoError(t, f.handler.Process(ctx, "job-6", update))

	// Redelivery creates no second wave of downstream items.
	assert.Len(t, f.store.Items("job-6"), 2)
}

func TestPreviewPausesAtFirstResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	job := &domain.Job{ID: "job-7", Username: "ada", Status: domain.JobPreviewing, NumInputGranules: 10}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 10},
	}
	items := []*domain.WorkItem{
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: 0},
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusReady, SortIndex: 1},
	}
	seedJob(t, f, job, steps, items)

	require.NoError(t, f.handler.Process(ctx, "job-7", domain.ItemUpdate{
		WorkItemID: items[0].ID,
		Update:     succeed([]string{"file://artifacts/job-7/0/catalog.json"}, []int64{1}),
	}))

	paused := f.store.Job("job-7")
	assert.Equal(t, domain.JobPaused, paused.Status)
	assert.Len(t, f.store.Links("job-7"), 1)
	assert.Empty(t, f.store.UserWorkRows("job-7"), "paused jobs leave the ledger")
	assert.Equal(t, domain.StatusReady, itemByID(t, f, "job-7", items[1].ID).Status,
		"pausing holds items rather than canceling them")
}

func TestFailureOnReadyItemLeavesLedgerIntact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	job := &domain.Job{ID: "job-9", Username: "ada", Status: domain.JobRunning, NumInputGranules: 1, IgnoreErrors: true}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 1},
	}
	item := &domain.WorkItem{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusReady, SortIndex: 0}
	seedJob(t, f, job, steps, []*domain.WorkItem{item})

	// A failure can reach an item that was never dispatched: the failer or a
	// redelivered update can race an earlier retry. The item stays ready and
	// must not be counted a second time.
	require.NoError(t, f.handler.Process(ctx, "job-9",
		domain.ItemUpdate{WorkItemID: item.ID, Update: domain.Failure{Message: "stale failure"}}))

	retried := itemByID(t, f, "job-9", item.ID)
	assert.Equal(t, domain.StatusReady, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)

	rows := f.store.UserWorkRows("job-9")
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].ReadyCount)
	assert.Equal(t, 0, rows[0].RunningCount)
}

func TestCancelOnReadyItemReleasesLedgerSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	job := &domain.Job{ID: "job-9b", Username: "ada", Status: domain.JobRunning, NumInputGranules: 2}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 2},
	}
	items := []*domain.WorkItem{
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusReady, SortIndex: 0},
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusReady, SortIndex: 1},
	}
	seedJob(t, f, job, steps, items)

	require.NoError(t, f.handler.Process(ctx, "job-9b",
		domain.ItemUpdate{WorkItemID: items[0].ID, Update: domain.Cancel{}}))

	assert.Equal(t, domain.StatusCanceled, itemByID(t, f, "job-9b", items[0].ID).Status)

	// Completing a ready item releases its ready slot, not a running one.
	rows := f.store.UserWorkRows("job-9b")
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].ReadyCount)
	assert.Equal(t, 0, rows[0].RunningCount)
}

func TestLeafResultLinksCarryCoverage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	job := &domain.Job{ID: "job-10", Username: "ada", Status: domain.JobRunning, NumInputGranules: 1}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 1},
	}
	item := &domain.WorkItem{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning}
	seedJob(t, f, job, steps, []*domain.WorkItem{item})

	require.NoError(t, f.handler.Process(ctx, "job-10", domain.ItemUpdate{
		WorkItemID: item.ID,
		Update: domain.Success{
			Results:         []string{"file://artifacts/job-10/0/catalog.json"},
			OutputItemSizes: []int64{1},
			Duration:        time.Second,
			Temporal:        "2020-01-01T00:00:00Z/2020-02-01T00:00:00Z",
			BBox:            "-120,30,-100,45",
		},
	}))

	links := f.store.Links("job-10")
	require.Len(t, links, 1)
	assert.Equal(t, "file://artifacts/job-10/0/catalog.json", links[0].Href)
	assert.Equal(t, "data", links[0].Rel)
	assert.Equal(t, "2020-01-01T00:00:00Z/2020-02-01T00:00:00Z", links[0].Temporal)
	assert.Equal(t, "-120,30,-100,45", links[0].BBox)
}

func TestErrorLimitFailsJobDespiteIgnoreErrors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RetryLimit = 0
	cfg.MaxErrorsForJob = 2
	f := newFixture(t, cfg)

	job := &domain.Job{ID: "job-8", Username: "ada", Status: domain.JobRunning, NumInputGranules: 5, IgnoreErrors: true}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 5},
	}
	var items []*domain.WorkItem
	for i := 0; i < 5; i++ {
		items = append(items, &domain.WorkItem{
			StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: i,
		})
	}
	seedJob(t, f, job, steps, items)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.handler.Process(ctx, "job-8", domain.ItemUpdate{
			WorkItemID: items[i].ID,
			Update:     domain.Failure{Message: fmt.Sprintf("failure %d", i)},
		}))
	}

	failedJob := f.store.Job("job-8")
	assert.Equal(t, domain.JobFailed, failedJob.Status)
	assert.Equal(t, msgTooManyErrors, failedJob.Message)
	assert.Len(t, f.store.Errors("job-8"), 3)
}
