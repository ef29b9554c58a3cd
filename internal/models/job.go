package models

import "time"

// JobType identifies the analysis pipeline a job belongs to.
type JobType string

const (
	JobTypeWireReconstruction JobType = "wire_reconstruction"
	JobTypeReconstruction     JobType = "reconstruction"
	JobTypePeakIndexing       JobType = "peak_indexing"
)

// IsValidJobType checks if a given JobType is one of the valid constants.
func IsValidJobType(jobType JobType) bool {
	switch jobType {
	case JobTypeWireReconstruction, JobTypeReconstruction, JobTypePeakIndexing:
		return true
	default:
		return false
	}
}

// Job is a user-submitted unit of work. Rows are created by the submission
// layer before enqueue; a job with subjobs derives its terminal status from
// them, never independently.
type Job struct {
	JobID        int64      `json:"job_id"`
	ComputerName string     `json:"computer_name"`
	Status       Status     `json:"status"`
	Priority     int        `json:"priority"`
	SubmitTime   *time.Time `json:"submit_time,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	FinishTime   *time.Time `json:"finish_time,omitempty"`
	Messages     string     `json:"messages,omitempty"`
	Command      string     `json:"command,omitempty"`
}

// SubJob is one unit of per-image work belonging to a parent Job. The set of
// subjobs for a job is fixed at enqueue time; their lifecycles run in parallel.
type SubJob struct {
	SubJobID     int64      `json:"subjob_id"`
	JobID        int64      `json:"job_id"`
	ComputerName string     `json:"computer_name"`
	Status       Status     `json:"status"`
	Priority     int        `json:"priority"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	FinishTime   *time.Time `json:"finish_time,omitempty"`
	Messages     string     `json:"messages,omitempty"`
	Command      string     `json:"command,omitempty"`
}
