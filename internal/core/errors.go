package core

import "errors"

var (
	// ErrJobNotFound is returned by lookups and removals for ids the queue
	// does not track (never submitted, removed, cleared or evicted).
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidSpec wraps submission-shape problems detected before a job exists.
	ErrInvalidSpec = errors.New("invalid job spec")

	// ErrUnsupportedOperation is returned by the dispatcher for unknown
	// category/operation combinations.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrQueueStopped      = errors.New("queue stopped")
)
