// Package scheduler turns ready work items into dispatched work. It is
// trigger driven: whenever an update makes new work available, a trigger
// message for the affected service lands on the scheduler queue, and the
// scheduler responds by fairly selecting and dispatching ready items to that
// service's queue.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skywatch/conductor/internal/application/work"
	"github.com/skywatch/conductor/internal/config"
	"github.com/skywatch/conductor/internal/domain"
	"github.com/skywatch/conductor/internal/queue"
)

// Trigger asks the scheduler to dispatch work for one service.
type Trigger struct {
	ServiceID string `json:"serviceID"`
}

// EnqueueTrigger publishes a dispatch trigger for serviceID.
func EnqueueTrigger(ctx context.Context, q queue.Queue, serviceID string) error {
	body, err := json.Marshal(Trigger{ServiceID: serviceID})
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	if err := q.Send(ctx, body, queue.SchedulerQueue); err != nil {
		return fmt.Errorf("failed to send trigger: %w", err)
	}
	return nil
}

// WorkMessage is the dispatch envelope placed on a service queue. Workers
// read it from the work API; they never touch the queue directly.
type WorkMessage struct {
	WorkItemID      int64  `json:"workItemID"`
	JobID           string `json:"jobID"`
	ServiceID       string `json:"serviceID"`
	StepIndex       int    `json:"stepIndex"`
	CatalogLocation string `json:"catalogLocation"`
	SortIndex       int    `json:"sortIndex"`
	MaxGranules     int    `json:"maxGranules,omitempty"`
	ScrollToken     string `json:"scrollID,omitempty"`
}

// Scheduler selects and dispatches ready work items.
type Scheduler struct {
	store       work.Store
	queues      queue.Factory
	cfg         config.WorkflowConfig
	receiveWait time.Duration
	logger      *slog.Logger
}

// New wires a scheduler.
func New(store work.Store, queues queue.Factory, cfg config.WorkflowConfig, receiveWait time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:       store,
		queues:      queues,
		cfg:         cfg,
		receiveWait: receiveWait,
		logger:      logger,
	}
}

// Run drains the scheduler trigger queue until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	triggers, err := s.queues.Queue(ctx, queue.SchedulerQueue)
	if err != nil {
		return fmt.Errorf("failed to open scheduler queue: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := triggers.Receive(ctx, 1, s.receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.ErrorContext(ctx, "failed to receive scheduler trigger", "error", err)
			continue
		}

		for _, msg := range msgs {
			var trigger Trigger
			if err := json.Unmarshal(msg.Body, &trigger); err != nil {
				s.logger.ErrorContext(ctx, "dropping malformed trigger", "error", err)
			} else if _, err := s.Dispatch(ctx, trigger.ServiceID, s.cfg.MaxDispatchPerTrigger); err != nil {
				s.logger.ErrorContext(ctx, "failed to dispatch work",
					"service_id", trigger.ServiceID, "error", err)
			}
			if err := triggers.Delete(ctx, msg.Receipt); err != nil {
				s.logger.ErrorContext(ctx, "failed to delete trigger", "error", err)
			}
		}
	}
}

// Dispatch pops up to limit ready items for serviceID, fairly across users
// and jobs, and sends each to the service's queue. Returns the number
// dispatched.
func (s *Scheduler) Dispatch(ctx context.Context, serviceID string, limit int) (int, error) {
	svcQueue, err := s.queues.Queue(ctx, queue.ServiceQueueName(serviceID))
	if err != nil {
		return 0, fmt.Errorf("failed to open service queue: %w", err)
	}

	dispatched := 0
	for dispatched < limit {
		msg, err := s.popNext(ctx, serviceID)
		if errors.Is(err, domain.ErrNoWorkAvailable) {
			break
		}
		if err != nil {
			return dispatched, err
		}
		if msg == nil {
			continue // popped item was stale and canceled in place
		}

		body, err := json.Marshal(msg)
		if err != nil {
			return dispatched, fmt.Errorf("failed to marshal work message: %w", err)
		}
		if err := svcQueue.Send(ctx, body, serviceID); err != nil {
			return dispatched, fmt.Errorf("failed to send work message: %w", err)
		}
		dispatched++

		s.logger.InfoContext(ctx, "dispatched work item",
			"service_id", serviceID, "job_id", msg.JobID, "work_item_id", msg.WorkItemID)
	}
	return dispatched, nil
}

// popNext runs one fair-selection transaction: least-loaded user, then that
// user's most deserving job, then the job's first ready item in sort order.
// A paginator item whose granule budget is already exhausted is canceled in
// place and reported as a nil message.
func (s *Scheduler) popNext(ctx context.Context, serviceID string) (*WorkMessage, error) {
	var msg *WorkMessage
	err := s.store.Atomic(ctx, func(tx work.Tx) error {
		username, err := tx.NextUsername(ctx, serviceID)
		if err != nil {
			return err
		}
		jobID, err := tx.NextJobID(ctx, username, serviceID)
		if err != nil {
			return err
		}
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		item, err := tx.PopReadyItem(ctx, jobID, serviceID)
		if err != nil {
			return err
		}

		maxGranules := 0
		step, err := tx.GetWorkflowStep(ctx, jobID, item.StepIndex)
		if err != nil {
			return err
		}
		if step.IsPaginator() {
			retrieved, err := tx.SuccessfulCount(ctx, jobID, step.StepIndex)
			if err != nil {
				return err
			}
			remaining := job.NumInputGranules - retrieved*s.cfg.CatalogMaxPageSize
			if remaining <= 0 {
				// The hit count shrank after this page query was created.
				item.Status = domain.StatusCanceled
				item.StartedAt = nil
				if err := tx.UpdateWorkItem(ctx, item); err != nil {
					return err
				}
				return tx.AdjustUserWork(ctx, jobID, serviceID, 0, -1)
			}
			maxGranules = min(remaining, s.cfg.CatalogMaxPageSize)
		}

		msg = &WorkMessage{
			WorkItemID:      item.ID,
			JobID:           jobID,
			ServiceID:       serviceID,
			StepIndex:       item.StepIndex,
			CatalogLocation: item.CatalogLocation,
			SortIndex:       item.SortIndex,
			MaxGranules:     maxGranules,
			ScrollToken:     item.ScrollToken,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}
