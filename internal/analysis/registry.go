package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/models"
)

// Progress publishes incremental progress (0-100 plus an optional message)
// against the running work item.
type Progress func(percent int, message string)

// Result is what an analysis function hands back to the worker for mirroring
// into the job store.
type Result struct {
	// Message is the human-readable outcome appended to the row's messages.
	Message string

	// Command records exactly what was executed: a single command line for
	// wire reconstruction, a newline-joined history for peak indexing.
	Command string

	// OutputFiles lists artifacts produced, for summary formatting.
	OutputFiles []string
}

// Func executes the scientific kernel for one work item. The args payload is
// the job-type specific argument tuple set at enqueue time. Implementations
// must honor ctx cancellation.
type Func func(ctx context.Context, args json.RawMessage, progress Progress) (*Result, error)

// Registry maps job types to their analysis functions. The worker resolves
// the function for each claimed item here.
type Registry struct {
	mu     sync.RWMutex
	funcs  map[models.JobType]Func
	logger arbor.ILogger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		funcs:  make(map[models.JobType]Func),
		logger: logger,
	}
}

// Register installs the analysis function for a job type.
func (r *Registry) Register(jobType models.JobType, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[jobType] = fn
	r.logger.Debug().Str("job_type", string(jobType)).Msg("Analysis function registered")
}

// Lookup resolves the analysis function for a job type.
func (r *Registry) Lookup(jobType models.JobType) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[jobType]
	if !ok {
		return nil, fmt.Errorf("no analysis function registered for job type %q", jobType)
	}
	return fn, nil
}
