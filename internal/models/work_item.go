package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Target identifies which database table a work item mirrors its lifecycle
// into. The worker branches on this tag to pick the right update routine.
type Target string

const (
	TargetJob    Target = "job"
	TargetSubJob Target = "subjob"
)

// Dependency declares a set of predecessor work items plus a failure-tolerance
// flag. With AllowFailure set, the dependent becomes dispatchable once every
// predecessor reaches any terminal state; without it, only when every
// predecessor finished (failed or cancelled predecessors cascade cancellation).
type Dependency struct {
	QueueIDs     []string `json:"queue_ids"`
	AllowFailure bool     `json:"allow_failure"`
}

// WorkItem is the queue-resident representation of a SubJob or coordinator.
// It holds a non-owning reference (by row id) to its database row.
type WorkItem struct {
	// ID is the stable queue identifier, of the form <job_type>_<row_id>.
	ID string `json:"id"`

	Target   Target  `json:"target"`
	TargetID int64   `json:"target_id"` // subjob_id or job_id, per Target
	JobID    int64   `json:"job_id"`    // parent job row, always set
	JobType  JobType `json:"job_type"`

	// Args is the job-type specific argument payload, passed through to the
	// analysis function untouched.
	Args json.RawMessage `json:"args"`

	Timeout   time.Duration `json:"timeout"`
	DependsOn *Dependency   `json:"depends_on,omitempty"`
	AtFront   bool          `json:"at_front"`

	// Coordinator items target the parent Job row and must not transition it
	// to Queued before execution.
	Coordinator bool `json:"coordinator"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SubJobItemID builds the deterministic queue identifier for a subjob item.
func SubJobItemID(jobType JobType, subjobID int64) string {
	return fmt.Sprintf("%s_%d", jobType, subjobID)
}

// CoordinatorItemID builds the deterministic queue identifier for the
// coordinator of a batch.
func CoordinatorItemID(jobType JobType, jobID int64) string {
	return fmt.Sprintf("%s_%d_coordinator", jobType, jobID)
}

// ItemState is the queue-side lifecycle of a work item.
type ItemState string

const (
	ItemStateQueued    ItemState = "queued"
	ItemStateHeld      ItemState = "held" // waiting on a dependency
	ItemStateRunning   ItemState = "running"
	ItemStateFinished  ItemState = "finished"
	ItemStateFailed    ItemState = "failed"
	ItemStateCancelled ItemState = "cancelled"
)

// IsTerminal reports whether the queue entry will never run again.
func (s ItemState) IsTerminal() bool {
	return s == ItemStateFinished || s == ItemStateFailed || s == ItemStateCancelled
}

// ClaimInfo describes a currently-claimed work item for observability.
type ClaimInfo struct {
	QueueID   string    `json:"queue_id"`
	WorkerID  string    `json:"worker_id"`
	JobID     int64     `json:"job_id"`
	JobType   JobType   `json:"job_type"`
	ClaimedAt time.Time `json:"claimed_at"`
	Deadline  time.Time `json:"deadline"`
	Progress  int       `json:"progress"`
	Message   string    `json:"progress_message,omitempty"`
}

// QueueStats is the observability snapshot of queue entry counts.
type QueueStats struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
}
