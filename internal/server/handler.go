package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skywatch/conductor/internal/domain"
	"github.com/skywatch/conductor/internal/queue"
)

// WorkAPI serves work to service workers and accepts their updates.
type WorkAPI struct {
	queues queue.Factory

	// receiveWait bounds the long poll on a work request. Short relative to
	// the queue visibility timeout so an undelivered response message
	// reappears quickly.
	receiveWait time.Duration

	logger *slog.Logger
}

// NewWorkAPI wires the worker API handlers.
func NewWorkAPI(queues queue.Factory, receiveWait time.Duration, logger *slog.Logger) *WorkAPI {
	return &WorkAPI{
		queues:      queues,
		receiveWait: receiveWait,
		logger:      logger,
	}
}

// GetWork pops one dispatched work message for the service and returns it.
// Responds 404 when no work is available within the poll window. The body
// is the dispatch envelope exactly as the scheduler published it.
func (a *WorkAPI) GetWork(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serviceID := chi.URLParam(r, "serviceID")
	if serviceID == "" {
		writeError(w, http.StatusBadRequest, "service ID is required")
		return
	}

	q, err := a.queues.Queue(ctx, queue.ServiceQueueName(serviceID))
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to open service queue",
			"service_id", serviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to access work queue")
		return
	}

	msgs, err := q.Receive(ctx, 1, a.receiveWait)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to receive work",
			"service_id", serviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to receive work")
		return
	}
	if len(msgs) == 0 {
		writeError(w, http.StatusNotFound, "no work available")
		return
	}

	msg := msgs[0]
	if err := q.Delete(ctx, msg.Receipt); err != nil {
		a.logger.ErrorContext(ctx, "failed to delete work message",
			"service_id", serviceID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(msg.Body); err != nil {
		a.logger.ErrorContext(ctx, "failed to write work response", "error", err)
	}
}

// UpdateWorkItem accepts a work item status update and forwards it to the
// matching update queue. Updates fanning out more than one result go to the
// large queue, which the ingester drains one at a time. Always responds 204
// on accepted input; the update is applied asynchronously.
func (a *WorkAPI) UpdateWorkItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	itemID, err := strconv.ParseInt(chi.URLParam(r, "workItemID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid work item ID")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var update domain.ItemUpdate
	if err := update.UnmarshalJSON(body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed update")
		return
	}
	if update.WorkItemID != 0 && update.WorkItemID != itemID {
		writeError(w, http.StatusBadRequest, "work item ID mismatch")
		return
	}
	update.WorkItemID = itemID

	queueName := queue.SmallUpdateQueue
	if success, ok := update.Update.(domain.Success); ok && len(success.Results) > 1 {
		queueName = queue.LargeUpdateQueue
	}

	q, err := a.queues.Queue(ctx, queueName)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to open update queue",
			"queue", queueName, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to access update queue")
		return
	}

	normalized, err := update.MarshalJSON()
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed update")
		return
	}
	if err := q.Send(ctx, normalized, queueName); err != nil {
		a.logger.ErrorContext(ctx, "failed to enqueue update",
			"queue", queueName, "work_item_id", itemID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue update")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
