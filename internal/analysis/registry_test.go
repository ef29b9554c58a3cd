package analysis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline-tools/lauerun/internal/common"
	"github.com/beamline-tools/lauerun/internal/models"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(common.GetLogger())

	r.Register(models.JobTypeWireReconstruction, func(ctx context.Context, args json.RawMessage, progress Progress) (*Result, error) {
		return &Result{Message: "ok"}, nil
	})

	fn, err := r.Lookup(models.JobTypeWireReconstruction)
	require.NoError(t, err)

	result, err := fn(context.Background(), nil, func(int, string) {})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Message)

	_, err = r.Lookup(models.JobTypePeakIndexing)
	assert.Error(t, err)
}

func TestEncodeArgsRoundTrip(t *testing.T) {
	raw, err := EncodeArgs(WireReconArgs{
		InputFile:  "in.h5",
		OutputFile: "out.h5",
		Resolution: 1.5,
		WireEdge:   "leading",
	})
	require.NoError(t, err)

	var decoded WireReconArgs
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "in.h5", decoded.InputFile)
	assert.Equal(t, 1.5, decoded.Resolution)
	assert.Equal(t, "leading", decoded.WireEdge)
}
