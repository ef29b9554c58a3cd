package models

import "fmt"

// Status is the lifecycle state shared by Job and SubJob rows.
// The integer values are stored in the database and must not be reordered.
type Status int

const (
	StatusQueued    Status = 0
	StatusRunning   Status = 1
	StatusFinished  Status = 2
	StatusFailed    Status = 3
	StatusCancelled Status = 4
)

// String returns the display name used in messages and API responses.
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusRunning:
		return "Running"
	case StatusFinished:
		return "Finished"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// IsTerminal reports whether the status is one of Finished, Failed, Cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// Legal edges: Queued->Running, Queued->Cancelled, Running->Finished,
// Running->Failed, Running->Cancelled. Everything else is rejected.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusFinished || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// LegalPriors returns the set of states a row may be in for a transition
// into "to" to be valid. Used by the store to guard UPDATE statements.
func LegalPriors(to Status) []Status {
	switch to {
	case StatusRunning:
		return []Status{StatusQueued}
	case StatusFinished, StatusFailed:
		return []Status{StatusRunning}
	case StatusCancelled:
		return []Status{StatusQueued, StatusRunning}
	default:
		return nil
	}
}
