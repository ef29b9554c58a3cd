package models

import "errors"

var (
	// ErrNoSubjobs is returned when a batch enqueue finds no subjob rows for
	// the job. Rows must exist before enqueue; nothing is mutated.
	ErrNoSubjobs = errors.New("no subjobs exist for job")

	// ErrArityMismatch is returned when a per-subjob argument list does not
	// match the subjob count. Nothing is mutated.
	ErrArityMismatch = errors.New("per-subjob argument count does not match subjob count")

	// ErrRowNotFound is returned by the job store when the target row is absent.
	ErrRowNotFound = errors.New("row not found")

	// ErrIllegalTransition is returned by the job store when the requested
	// status change is not a legal lifecycle edge for the row's current state.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrItemNotFound is returned by the work queue for an unknown queue id.
	ErrItemNotFound = errors.New("work item not found")

	// ErrNoItem is returned by Claim when no work item is dispatchable.
	ErrNoItem = errors.New("no work items ready")

	// ErrQueueClosed is returned once the queue has been shut down.
	ErrQueueClosed = errors.New("work queue is closed")
)
