package failer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywatch/conductor/internal/application/work"
	"github.com/skywatch/conductor/internal/domain"
	"github.com/skywatch/conductor/internal/queue"
)

func seed(t *testing.T, store *work.MemoryStore, items []*domain.WorkItem) {
	t.Helper()
	job := &domain.Job{ID: "job-1", Username: "ada", Status: domain.JobRunning, NumInputGranules: len(items)}
	steps := []*domain.WorkflowStep{
		{StepIndex: 1, ServiceID: "query-cmr", WorkItemCount: 1},
		{StepIndex: 2, ServiceID: "reproject", WorkItemCount: len(items)},
	}
	require.NoError(t, store.CreateJob(context.Background(), job, steps, items))
}

func TestSweepFailsItemsPastTheFloor(t *testing.T) {
	ctx := context.Background()
	store := work.NewMemoryStore()
	updates := queue.NewMemoryQueue(time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	now := time.Now().UTC()
	store.Now = func() time.Time { return now }

	stuckStart := now.Add(-15 * time.Minute)
	freshStart := now.Add(-time.Minute)
	seed(t, store, []*domain.WorkItem{
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: 0, StartedAt: &stuckStart},
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: 1, StartedAt: &freshStart},
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusReady, SortIndex: 2},
	})

	f := New(store, updates, time.Minute, 10*time.Minute, logger)
	n, err := f.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := updates.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var update domain.ItemUpdate
	require.NoError(t, json.Unmarshal(msgs[0].Body, &update))
	assert.Equal(t, store.Items("job-1")[0].ID, update.WorkItemID)
	failure, ok := update.Update.(domain.Failure)
	require.True(t, ok, "expected a Failure variant, got %T", update.Update)
	assert.Equal(t, MsgItemExpired, failure.Message)

	// The sweeper only publishes; the item stays running until the update
	// is ingested.
	assert.Equal(t, domain.StatusRunning, store.Items("job-1")[0].Status)
}

func TestSweepUsesAdaptiveThreshold(t *testing.T) {
	ctx := context.Background()
	store := work.NewMemoryStore()
	updates := queue.NewMemoryQueue(time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	now := time.Now().UTC()
	store.Now = func() time.Time { return now }

	// The service's successful items took around 30 minutes, so twice the
	// 90th percentile, not the 10 minute floor, governs: a 40 minute item is
	// healthy, a 70 minute one is stuck.
	healthyStart := now.Add(-40 * time.Minute)
	stuckStart := now.Add(-70 * time.Minute)
	items := []*domain.WorkItem{
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusSuccessful, SortIndex: 0, Duration: 28 * time.Minute},
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusSuccessful, SortIndex: 1, Duration: 30 * time.Minute},
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusSuccessful, SortIndex: 2, Duration: 32 * time.Minute},
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: 3, StartedAt: &healthyStart},
		{StepIndex: 2, ServiceID: "reproject", Status: domain.StatusRunning, SortIndex: 4, StartedAt: &stuckStart},
	}
	seed(t, store, items)

	f := New(store, updates, time.Minute, 10*time.Minute, logger)
	n, err := f.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msgs, err := updates.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var update domain.ItemUpdate
	require.NoError(t, json.Unmarshal(msgs[0].Body, &update))
	assert.Equal(t, store.Items("job-1")[4].ID, update.WorkItemID)
}

func TestSweepEmptyStore(t *testing.T) {
	ctx := context.Background()
	store := work.NewMemoryStore()
	updates := queue.NewMemoryQueue(time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := New(store, updates, time.Minute, 10*time.Minute, logger)
	n, err := f.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
