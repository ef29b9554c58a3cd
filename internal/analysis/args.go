package analysis

import "encoding/json"

// WireReconArgs is the per-subjob argument tuple for wire reconstruction.
// Geometry and depth parameters are shared across the batch; input and output
// paths differ per subjob.
type WireReconArgs struct {
	InputFile    string  `json:"input_file"`
	OutputFile   string  `json:"output_file"`
	GeometryFile string  `json:"geometry_file"`
	DepthStart   float64 `json:"depth_start"`
	DepthEnd     float64 `json:"depth_end"`
	Resolution   float64 `json:"resolution"`

	PercentBrightest float64 `json:"percent_brightest,omitempty"`
	WireEdge         string  `json:"wire_edge,omitempty"` // "leading" or "trailing"
	DetectorNumber   int     `json:"detector_number,omitempty"`
	MemoryLimitMB    int     `json:"memory_limit_mb,omitempty"`
	Verbose          int     `json:"verbose,omitempty"`
}

// ReconArgs is the per-subjob argument tuple for coded-aperture
// reconstruction. Arguments derive from a configuration structure; no
// per-subjob file lists are required.
type ReconArgs struct {
	Config map[string]any `json:"config"`
}

// PeakIndexArgs is the per-subjob argument tuple for peak indexing.
type PeakIndexArgs struct {
	Config    map[string]any `json:"config"`
	ScanPoint int            `json:"scan_point"`
	OutputDir string         `json:"output_dir"`
}

// CoordinatorArgs is the argument payload of a coordinator work item. The
// merge fields are set only for peak-indexing batches.
type CoordinatorArgs struct {
	OutputDir      string `json:"output_dir,omitempty"`
	MergedFilename string `json:"merged_filename,omitempty"`
}

// EncodeArgs marshals an argument payload for queue storage.
func EncodeArgs(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
