package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywatch/conductor/internal/domain"
	"github.com/skywatch/conductor/internal/queue"
)

func newTestServer(t *testing.T) (*queue.MemoryFactory, http.Handler) {
	t.Helper()
	queues := queue.NewMemoryFactory(time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := NewWorkAPI(queues, 10*time.Millisecond, logger)
	return queues, New(api, Config{}).Handler()
}

func TestGetWorkReturnsDispatchedMessage(t *testing.T) {
	queues, handler := newTestServer(t)

	q, err := queues.Queue(context.Background(), queue.ServiceQueueName("reproject"))
	require.NoError(t, err)
	envelope := `{"workItemID":7,"jobID":"job-1","serviceID":"reproject","stepIndex":2,"catalogLocation":"file://artifacts/job-1/7/catalog.json","sortIndex":0}`
	require.NoError(t, q.Send(context.Background(), []byte(envelope), "reproject"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/service/reproject/work", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, envelope, rec.Body.String(), "the envelope passes through untouched")

	// The message was acknowledged on delivery.
	mq := q.(*queue.MemoryQueue)
	assert.Equal(t, 0, mq.Len())
}

func TestGetWorkEmptyQueueReturns404(t *testing.T) {
	_, handler := newTestServer(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/service/reproject/work", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateWorkItemRoutesToSmallQueue(t *testing.T) {
	queues, handler := newTestServer(t)

	body := `{"status":"successful","results":["s3://bucket/job-1/9/catalog.json"],"outputItemSizes":[10],"durationMs":500}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/work-items/9/update", strings.NewReader(body)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	q, err := queues.Queue(context.Background(), queue.SmallUpdateQueue)
	require.NoError(t, err)
	msgs, err := q.Receive(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// The path ID is stamped onto the forwarded update.
	var update domain.ItemUpdate
	require.NoError(t, json.Unmarshal(msgs[0].Body, &update))
	assert.Equal(t, int64(9), update.WorkItemID)
	_, ok := update.Update.(domain.Success)
	assert.True(t, ok, "expected a Success variant, got %T", update.Update)
}

func TestUpdateWorkItemRoutesFanOutToLargeQueue(t *testing.T) {
	queues, handler := newTestServer(t)

	body := `{
		"workItemID": 4,
		"status": "successful",
		"results": ["s3://b/0/catalog.json", "s3://b/1/catalog.json", "s3://b/2/catalog.json"],
		"outputItemSizes": [1, 1, 1]
	}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/work-items/4/update", strings.NewReader(body)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	large, err := queues.Queue(context.Background(), queue.LargeUpdateQueue)
	require.NoError(t, err)
	msgs, err := large.Receive(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "multi-result updates go to the large queue")

	small, err := queues.Queue(context.Background(), queue.SmallUpdateQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, small.(*queue.MemoryQueue).Len())
}

func TestUpdateWorkItemRejectsBadInput(t *testing.T) {
	_, handler := newTestServer(t)

	cases := []struct {
		name string
		path string
		body string
	}{
		{"non-numeric ID", "/work-items/abc/update", `{"status":"failed"}`},
		{"malformed body", "/work-items/1/update", `{not json`},
		{"unknown status", "/work-items/1/update", `{"status":"sleeping"}`},
		{"ID mismatch", "/work-items/1/update", `{"workItemID":2,"status":"failed"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHealth(t *testing.T) {
	_, handler := newTestServer(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
