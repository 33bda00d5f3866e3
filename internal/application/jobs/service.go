// Package jobs owns the job lifecycle surface: submission, cancellation,
// pause and resume, status reads, and ledger repair. The update ingester
// owns everything that happens between submission and a terminal status.
package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/skywatch/conductor/internal/application/scheduler"
	"github.com/skywatch/conductor/internal/application/work"
	"github.com/skywatch/conductor/internal/config"
	"github.com/skywatch/conductor/internal/domain"
	"github.com/skywatch/conductor/internal/queue"
)

// StepSpec describes one service stage of a submitted job.
type StepSpec struct {
	ServiceID           string
	HasAggregatedOutput bool
	IsBatched           bool
	IsSequential        bool
	MaxBatchInputs      int
	MaxBatchSizeBytes   int64
}

// Request is a job submission. The first step must be the catalog query
// service; it is dispatched as the paginator.
type Request struct {
	Username         string
	NumInputGranules int
	IgnoreErrors     bool
	IsAsync          bool
	Preview          bool
	InputCatalog     string
	Steps            []StepSpec
}

// Status is the user-visible state of a job.
type Status struct {
	Job    *domain.Job
	Links  []*domain.JobLink
	Errors []*domain.JobError
}

// Service implements the job lifecycle operations.
type Service struct {
	store          work.Store
	cfg            config.WorkflowConfig
	schedulerQueue queue.Queue
	logger         *slog.Logger
}

// NewService wires a job service.
func NewService(store work.Store, cfg config.WorkflowConfig, schedulerQueue queue.Queue, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		cfg:            cfg,
		schedulerQueue: schedulerQueue,
		logger:         logger,
	}
}

// Create accepts a job: persists it with its workflow steps and the first
// paginator work item, then triggers the scheduler for the query service.
func (s *Service) Create(ctx context.Context, req Request) (*domain.Job, error) {
	if len(req.Steps) == 0 {
		return nil, fmt.Errorf("a job requires at least one workflow step")
	}
	if req.InputCatalog == "" {
		return nil, fmt.Errorf("a job requires an input catalog location")
	}

	job := &domain.Job{
		ID:               uuid.NewString(),
		Username:         req.Username,
		Status:           domain.JobAccepted,
		NumInputGranules: req.NumInputGranules,
		IgnoreErrors:     req.IgnoreErrors,
		IsAsync:          req.IsAsync,
	}
	if req.Preview {
		job.Status = domain.JobPreviewing
	}

	steps := make([]*domain.WorkflowStep, 0, len(req.Steps))
	for i, spec := range req.Steps {
		step := &domain.WorkflowStep{
			JobID:               job.ID,
			StepIndex:           i + 1,
			ServiceID:           spec.ServiceID,
			HasAggregatedOutput: spec.HasAggregatedOutput,
			IsBatched:           spec.IsBatched,
			IsSequential:        spec.IsSequential,
			MaxBatchInputs:      spec.MaxBatchInputs,
			MaxBatchSizeBytes:   spec.MaxBatchSizeBytes,
		}
		step.WorkItemCount = domain.ExpectedWorkItemCount(step, req.NumInputGranules, s.cfg.CatalogMaxPageSize)
		steps = append(steps, step)
	}

	first := &domain.WorkItem{
		JobID:           job.ID,
		StepIndex:       domain.PaginatorStepIndex,
		ServiceID:       steps[0].ServiceID,
		Status:          domain.StatusReady,
		CatalogLocation: req.InputCatalog,
	}

	err := s.store.Atomic(ctx, func(tx work.Tx) error {
		if err := tx.InsertJob(ctx, job); err != nil {
			return err
		}
		if err := tx.InsertWorkflowSteps(ctx, steps); err != nil {
			return err
		}
		if err := tx.InsertWorkItems(ctx, []*domain.WorkItem{first}); err != nil {
			return err
		}
		return tx.RebuildUserWork(ctx, job.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := scheduler.EnqueueTrigger(ctx, s.schedulerQueue, steps[0].ServiceID); err != nil {
		// Recoverable: the next trigger for this service picks the item up.
		s.logger.ErrorContext(ctx, "failed to trigger scheduler for new job",
			"job_id", job.ID, "error", err)
	}

	s.logger.InfoContext(ctx, "job created",
		"job_id", job.ID, "username", job.Username, "steps", len(steps),
		"granules", job.NumInputGranules, "preview", req.Preview)
	return job, nil
}

// Cancel cancels a job: ready items flip to canceled, running items are
// left to finish and their updates dropped, and the job leaves the
// scheduling ledger.
func (s *Service) Cancel(ctx context.Context, jobID, message string) error {
	if message == "" {
		message = "canceled by user"
	}
	err := s.store.Atomic(ctx, func(tx work.Tx) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return fmt.Errorf("job %s is already %s", jobID, job.Status)
		}
		job.Cancel(message)
		if _, err := tx.CancelReadyItems(ctx, jobID); err != nil {
			return err
		}
		if err := tx.DeleteUserWork(ctx, jobID); err != nil {
			return err
		}
		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	s.logger.InfoContext(ctx, "job canceled", "job_id", jobID)
	return nil
}

// Pause takes an active job out of scheduling. Its items keep their
// statuses; running items finish and their updates are applied, but nothing
// new is dispatched until Resume.
func (s *Service) Pause(ctx context.Context, jobID string) error {
	err := s.store.Atomic(ctx, func(tx work.Tx) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.Status.Active() {
			return fmt.Errorf("job %s cannot be paused from %s", jobID, job.Status)
		}
		job.Status = domain.JobPaused
		if err := tx.DeleteUserWork(ctx, jobID); err != nil {
			return err
		}
		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("failed to pause job: %w", err)
	}
	s.logger.InfoContext(ctx, "job paused", "job_id", jobID)
	return nil
}

// Resume returns a paused (or previewing) job to scheduling: the ledger is
// rebuilt from the authoritative item table and every step's service is
// triggered.
func (s *Service) Resume(ctx context.Context, jobID string) error {
	var serviceIDs []string
	err := s.store.Atomic(ctx, func(tx work.Tx) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobPaused && job.Status != domain.JobPreviewing {
			return fmt.Errorf("job %s cannot be resumed from %s", jobID, job.Status)
		}
		job.Status = domain.JobRunning
		if err := tx.RebuildUserWork(ctx, jobID); err != nil {
			return err
		}
		steps, err := tx.ListWorkflowSteps(ctx, jobID)
		if err != nil {
			return err
		}
		for _, step := range steps {
			serviceIDs = append(serviceIDs, step.ServiceID)
		}
		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("failed to resume job: %w", err)
	}

	for _, serviceID := range serviceIDs {
		if err := scheduler.EnqueueTrigger(ctx, s.schedulerQueue, serviceID); err != nil {
			s.logger.ErrorContext(ctx, "failed to trigger scheduler after resume",
				"job_id", jobID, "service_id", serviceID, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "job resumed", "job_id", jobID)
	return nil
}

// Status returns the job with its result links and errors.
func (s *Service) Status(ctx context.Context, jobID string) (*Status, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	links, err := s.store.ListJobLinks(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job links: %w", err)
	}
	jobErrors, err := s.store.ListJobErrors(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job errors: %w", err)
	}
	return &Status{Job: job, Links: links, Errors: jobErrors}, nil
}

// RebuildLedger recomputes a job's user-work rows from its work items. The
// ledger is derived state; this repairs any drift an operator observes.
func (s *Service) RebuildLedger(ctx context.Context, jobID string) error {
	err := s.store.Atomic(ctx, func(tx work.Tx) error {
		if _, err := tx.GetJobForUpdate(ctx, jobID); err != nil {
			return err
		}
		return tx.RebuildUserWork(ctx, jobID)
	})
	if err != nil {
		return fmt.Errorf("failed to rebuild user work: %w", err)
	}
	s.logger.InfoContext(ctx, "user work rebuilt", "job_id", jobID)
	return nil
}
