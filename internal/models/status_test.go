package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Queued", StatusQueued.String())
	assert.Equal(t, "Running", StatusRunning.String())
	assert.Equal(t, "Finished", StatusFinished.String())
	assert.Equal(t, "Failed", StatusFailed.String())
	assert.Equal(t, "Cancelled", StatusCancelled.String())
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusFinished.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"queued to running", StatusQueued, StatusRunning, true},
		{"queued to cancelled", StatusQueued, StatusCancelled, true},
		{"queued to finished", StatusQueued, StatusFinished, false},
		{"queued to failed", StatusQueued, StatusFailed, false},
		{"running to finished", StatusRunning, StatusFinished, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running to cancelled", StatusRunning, StatusCancelled, true},
		{"running to queued", StatusRunning, StatusQueued, false},
		{"finished is terminal", StatusFinished, StatusRunning, false},
		{"failed is terminal", StatusFailed, StatusQueued, false},
		{"cancelled is terminal", StatusCancelled, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestLegalPriors(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusQueued}, LegalPriors(StatusRunning))
	assert.ElementsMatch(t, []Status{StatusRunning}, LegalPriors(StatusFinished))
	assert.ElementsMatch(t, []Status{StatusRunning}, LegalPriors(StatusFailed))
	assert.ElementsMatch(t, []Status{StatusQueued, StatusRunning}, LegalPriors(StatusCancelled))
	assert.Empty(t, LegalPriors(StatusQueued))
}

func TestItemIDs(t *testing.T) {
	assert.Equal(t, "peak_indexing_42", SubJobItemID(JobTypePeakIndexing, 42))
	assert.Equal(t, "peak_indexing_7_coordinator", CoordinatorItemID(JobTypePeakIndexing, 7))
}
