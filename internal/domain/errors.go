package domain

import "errors"

// Domain errors returned by repository implementations.

var (
	// ErrJobNotFound indicates the referenced job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrWorkItemNotFound indicates the referenced work item does not exist.
	ErrWorkItemNotFound = errors.New("work item not found")

	// ErrStepNotFound indicates the referenced workflow step does not exist.
	ErrStepNotFound = errors.New("workflow step not found")

	// ErrNoWorkAvailable indicates the scheduler found no dispatchable item.
	ErrNoWorkAvailable = errors.New("no work available")

	// ErrInvalidID indicates the provided ID format is invalid.
	ErrInvalidID = errors.New("invalid ID format")
)
