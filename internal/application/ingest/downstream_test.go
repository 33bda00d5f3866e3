package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywatch/conductor/internal/catalog"
	"github.com/skywatch/conductor/internal/domain"
)

// seedAggregationJob sets up a three step job: paginator, a fan-out service,
// and an aggregating tail, with the fan-out items already running.
func seedAggregationJob(t *testing.T, f *fixture, jobID string, upstreamCount int, tail *domain.WorkflowStep) []*domain.WorkItem {
	t.Helper()
	job := &domain.Job{ID: jobID, Username: "ada", Status: domain.JobRunning, NumInputGranules: upstreamCount, IgnoreErrors: true}
	tail.StepIndex = 3
	tail.ServiceID = "concatenate"
	tail.HasAggregatedOutput = true
	tail.WorkItemCount = 1
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: upstreamCount},
		tail,
	}
	var items []*domain.WorkItem
	for i := 0; i < upstreamCount; i++ {
		items = append(items, &domain.WorkItem{
			StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: i,
		})
	}
	seedJob(t, f, job, steps, items)
	return items
}

func resultURL(f *fixture, jobID string, i int) string {
	return f.locator.ItemOutputCatalog(jobID, int64(100+i))
}

func TestBatchedAggregationFlushesFullBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	items := seedAggregationJob(t, f, "job-b1", 3, &domain.WorkflowStep{
		IsBatched:      true,
		MaxBatchInputs: 2,
	})

	// Output catalogs the batch builder will read post-commit.
	urls := make([]string, 3)
	for i := range urls {
		urls[i] = resultURL(f, "job-b1", i)
		putResultCatalog(t, f, urls[i])
	}

	// First completion: one pending input, batch not yet full, no flush.
	require.NoError(t, f.handler.Process(ctx, "job-b1", domain.ItemUpdate{
		WorkItemID: items[0].ID,
		Update:     succeed([]string{urls[0]}, []int64{10}),
	}))
	assert.Len(t, f.store.Items("job-b1"), 3, "partial batch must wait")

	// Second completion fills the batch and flushes it.
	require.NoError(t, f.handler.Process(ctx, "job-b1", domain.ItemUpdate{
		WorkItemID: items[1].ID,
		Update:     succeed([]string{urls[1]}, []int64{10}),
	}))

	all := f.store.Items("job-b1")
	require.Len(t, all, 4)
	batch := all[3]
	assert.Equal(t, 3, batch.StepIndex)
	assert.Equal(t, domain.StatusReady, batch.Status)
	assert.Equal(t, 0, batch.SortIndex, "batch takes the smallest upstream sort index")
	assert.Equal(t, f.locator.BatchCatalog("job-b1", batch.ID, 0), batch.CatalogLocation)

	// The combined input catalog was materialized with both members' items.
	var cat catalog.Catalog
	require.NoError(t, f.objects.GetJSON(ctx, batch.CatalogLocation, &cat))
	assert.Len(t, cat.ItemLinks(), 2)

	// Final completion: upstream done, the remainder flushes despite being
	// under the batch bound.
	require.NoError(t, f.handler.Process(ctx, "job-b1", domain.ItemUpdate{
		WorkItemID: items[2].ID,
		Update:     succeed([]string{urls[2]}, []int64{10}),
	}))

	all = f.store.Items("job-b1")
	require.Len(t, all, 5)
	tail := all[4]
	assert.Equal(t, 3, tail.StepIndex)
	assert.Equal(t, 2, tail.SortIndex)
}

func TestBatchedAggregationRespectsByteBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	items := seedAggregationJob(t, f, "job-b2", 2, &domain.WorkflowStep{
		IsBatched:         true,
		MaxBatchInputs:    10,
		MaxBatchSizeBytes: 100,
	})

	urls := []string{resultURL(f, "job-b2", 0), resultURL(f, "job-b2", 1)}
	for _, url := range urls {
		putResultCatalog(t, f, url)
	}

	// Two 80-byte inputs cannot share a 100-byte batch: each gets its own
	// batch once the upstream completes.
	require.NoError(t, f.handler.Process(ctx, "job-b2", domain.ItemUpdate{
		WorkItemID: items[0].ID,
		Update:     succeed([]string{urls[0]}, []int64{80}),
	}))
	require.NoError(t, f.handler.Process(ctx, "job-b2", domain.ItemUpdate{
		WorkItemID: items[1].ID,
		Update:     succeed([]string{urls[1]}, []int64{80}),
	}))

	var batches []*domain.WorkItem
	for _, item := range f.store.Items("job-b2") {
		if item.StepIndex == 3 {
			batches = append(batches, item)
		}
	}
	require.Len(t, batches, 2)
	assert.Equal(t, 0, batches[0].SortIndex)
	assert.Equal(t, 1, batches[1].SortIndex)
}

func TestNonBatchedAggregationWaitsForUpstreamGate(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RetryLimit = 0
	f := newFixture(t, cfg)

	items := seedAggregationJob(t, f, "job-b3", 3, &domain.WorkflowStep{})

	urls := []string{resultURL(f, "job-b3", 0), resultURL(f, "job-b3", 1)}
	for _, url := range urls {
		putResultCatalog(t, f, url)
	}

	require.NoError(t, f.handler.Process(ctx, "job-b3", domain.ItemUpdate{
		WorkItemID: items[0].ID,
		Update:     succeed([]string{urls[0]}, []int64{5}),
	}))
	require.NoError(t, f.handler.Process(ctx, "job-b3", domain.ItemUpdate{
		WorkItemID: items[1].ID,
		Update:     succeed([]string{urls[1]}, []int64{5}),
	}))
	assert.Len(t, f.store.Items("job-b3"), 3, "aggregation must wait for the whole upstream step")

	// The last upstream item fails terminally: it contributes nothing but
	// completes the gate, releasing one batch with the two survivors.
	require.NoError(t, f.handler.Process(ctx, "job-b3", domain.ItemUpdate{
		WorkItemID: items[2].ID,
		Update:     domain.Failure{Message: "bad granule"},
	}))

	all := f.store.Items("job-b3")
	require.Len(t, all, 4)
	batch := all[3]
	assert.Equal(t, 3, batch.StepIndex)

	var cat catalog.Catalog
	require.NoError(t, f.objects.GetJSON(ctx, batch.CatalogLocation, &cat))
	assert.Len(t, cat.ItemLinks(), 2)
}

func TestBatchCatalogWriteFailureBecomesSyntheticFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	items := seedAggregationJob(t, f, "job-b4", 1, &domain.WorkflowStep{})

	// The member output catalog is never written, so the post-commit batch
	// build fails and a synthetic failure lands on the update queue.
	missing := resultURL(f, "job-b4", 0)
	require.NoError(t, f.handler.Process(ctx, "job-b4", domain.ItemUpdate{
		WorkItemID: items[0].ID,
		Update:     succeed([]string{missing}, []int64{5}),
	}))

	msgs, err := f.updates.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var synthetic domain.ItemUpdate
	require.NoError(t, synthetic.UnmarshalJSON(msgs[0].Body))
	failure, ok := synthetic.Update.(domain.Failure)
	require.True(t, ok, "expected a Failure variant, got %T", synthetic.Update)
	assert.Equal(t, msgBatchCatalogFailed, failure.Message)

	all := f.store.Items("job-b4")
	require.Len(t, all, 2)
	assert.Equal(t, synthetic.WorkItemID, all[1].ID)

	// The member catalog appears before the retry lands. Applying the
	// synthetic failure retries the batch item and rewrites its combined
	// input catalog from the assigned inputs, so the re-dispatched item
	// points at a catalog that actually exists.
	putResultCatalog(t, f, missing)
	require.NoError(t, f.handler.Process(ctx, "job-b4", synthetic))

	batch := itemByID(t, f, "job-b4", all[1].ID)
	assert.Equal(t, domain.StatusReady, batch.Status)
	assert.Equal(t, 1, batch.RetryCount)

	var cat catalog.Catalog
	require.NoError(t, f.objects.GetJSON(ctx, batch.CatalogLocation, &cat))
	assert.Len(t, cat.ItemLinks(), 1)

	// The batch item was still ready when the failure landed; its ledger
	// slot is unchanged.
	rows := f.store.UserWorkRows("job-b4")
	require.Len(t, rows, 1)
	assert.Equal(t, "concatenate", rows[0].ServiceID)
	assert.Equal(t, 1, rows[0].ReadyCount)
}

func TestShrinkReleasesHeldAggregationGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	job := &domain.Job{ID: "job-b6", Username: "ada", Status: domain.JobRunning, NumInputGranules: 3, IgnoreErrors: true}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 3},
		{StepIndex: 3, ServiceID: "concatenate", WorkItemCount: 1, HasAggregatedOutput: true},
	}
	paginator := &domain.WorkItem{StepIndex: 1, ServiceID: "query-cmr", Status: domain.StatusRunning, SortIndex: 0}
	reprojects := []*domain.WorkItem{
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: 0},
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: 1},
	}
	seedJob(t, f, job, steps, append([]*domain.WorkItem{paginator}, reprojects...))

	urls := []string{resultURL(f, "job-b6", 0), resultURL(f, "job-b6", 1)}
	for _, url := range urls {
		putResultCatalog(t, f, url)
	}

	// Both reprojections complete, but the gate still expects a third item.
	for i, item := range reprojects {
		require.NoError(t, f.handler.Process(ctx, "job-b6", domain.ItemUpdate{
			WorkItemID: item.ID,
			Update:     succeed([]string{urls[i]}, []int64{5}),
		}))
	}
	assert.Len(t, f.store.Items("job-b6"), 3, "gate held while more upstream items are expected")

	// The catalog reports only two granules: the recomputed step counts
	// satisfy the gate and the held batch flushes.
	hits := 2
	require.NoError(t, f.handler.Process(ctx, "job-b6", domain.ItemUpdate{
		WorkItemID: paginator.ID,
		Update:     domain.Success{Hits: &hits},
	}))

	var batch *domain.WorkItem
	for _, item := range f.store.Items("job-b6") {
		if item.StepIndex == 3 {
			batch = item
		}
	}
	require.NotNil(t, batch, "shrink must flush the held batch")
	assert.Equal(t, domain.StatusReady, batch.Status)

	var cat catalog.Catalog
	require.NoError(t, f.objects.GetJSON(ctx, batch.CatalogLocation, &cat))
	assert.Len(t, cat.ItemLinks(), 2)
}

func TestSupersededFanOutIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	job := &domain.Job{ID: "job-b5", Username: "ada", Status: domain.JobRunning, NumInputGranules: 1}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: 1},
	}
	items := []*domain.WorkItem{
		{StepIndex: 1, ServiceID: "query-cmr", Status: domain.StatusRunning, SortIndex: 0},
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: 0},
	}
	seedJob(t, f, job, steps, items)

	// Step 2 already has its full complement; a late upstream success must
	// not create more.
	require.NoError(t, f.handler.Process(ctx, "job-b5", domain.ItemUpdate{
		WorkItemID: items[0].ID,
		Update:     succeed([]string{"file://artifacts/job-b5/extra/catalog.json"}, []int64{1}),
	}))

	count := 0
	for _, item := range f.store.Items("job-b5") {
		if item.StepIndex == 2 {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
