package domain

import (
	"time"
)

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	JobAccepted           JobStatus = "accepted"
	JobPreviewing         JobStatus = "previewing"
	JobRunning            JobStatus = "running"
	JobRunningWithErrors  JobStatus = "running_with_errors"
	JobPaused             JobStatus = "paused"
	JobSuccessful         JobStatus = "successful"
	JobCompleteWithErrors JobStatus = "complete_with_errors"
	JobFailed             JobStatus = "failed"
	JobCanceled           JobStatus = "canceled"
)

// Terminal reports whether no further transitions are permitted for the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSuccessful, JobCompleteWithErrors, JobFailed, JobCanceled:
		return true
	}
	return false
}

// Active reports whether the job is eligible for scheduling.
// Paused and previewing-paused jobs hold their work items but are not dispatched.
func (s JobStatus) Active() bool {
	switch s {
	case JobAccepted, JobPreviewing, JobRunning, JobRunningWithErrors:
		return true
	}
	return false
}

// Job is a user-submitted processing request: a linear chain of service steps
// applied to granules discovered in the metadata catalog.
type Job struct {
	ID                string
	Username          string
	Status            JobStatus
	Message           string
	Progress          int // 0-100
	NumInputGranules  int
	CompletedGranules int
	IgnoreErrors      bool
	IsAsync           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Fail marks the job failed with the given message. No-op if already terminal.
func (j *Job) Fail(message string) {
	if j.Status.Terminal() {
		return
	}
	j.Status = JobFailed
	j.Message = message
}

// Cancel marks the job canceled. No-op if already terminal.
func (j *Job) Cancel(message string) {
	if j.Status.Terminal() {
		return
	}
	j.Status = JobCanceled
	j.Message = message
}

// RecordProgress recomputes the progress percentage from completed granules.
// Progress is capped at 99 until the job reaches a successful terminal status,
// so observers never see 100% on a job that is still running.
func (j *Job) RecordProgress() {
	if j.NumInputGranules <= 0 {
		j.Progress = 0
		return
	}
	p := 100 * j.CompletedGranules / j.NumInputGranules
	if p > 99 && !j.Status.Terminal() {
		p = 99
	}
	if p > 100 {
		p = 100
	}
	j.Progress = p
}

// JobLink is a result asset attached to a job, surfaced by the user-facing listing.
type JobLink struct {
	ID       int64
	JobID    string
	Href     string
	Type     string
	Title    string
	Rel      string
	Temporal string
	BBox     string
}

// JobError records a terminal work-item failure attributed to a job.
type JobError struct {
	ID      int64
	JobID   string
	URL     string
	Message string
}
