package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/common"
	"github.com/beamline-tools/lauerun/internal/models"
)

// RegisterDefaultRunners wires the exec-based kernel runners for all three
// job types. The executables come from the analysis section of the config;
// tests register their own functions instead.
func RegisterDefaultRunners(registry *Registry, cfg *common.AnalysisConfig, logger arbor.ILogger) {
	registry.Register(models.JobTypeWireReconstruction, WireReconRunner(cfg.WireReconExecutable, logger))
	registry.Register(models.JobTypeReconstruction, ReconRunner(cfg.ReconExecutable, logger))
	registry.Register(models.JobTypePeakIndexing, PeakIndexRunner(cfg.IndexingExecutable, logger))
}

// WireReconRunner builds the depth-resolved wire reconstruction runner. The
// result message lists the output file or the error and captured log; the
// command field records the single command line executed.
func WireReconRunner(executable string, logger arbor.ILogger) Func {
	return func(ctx context.Context, raw json.RawMessage, progress Progress) (*Result, error) {
		var args WireReconArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid wire reconstruction args: %w", err)
		}

		argv := []string{
			"-i", args.InputFile,
			"-o", args.OutputFile,
			"-g", args.GeometryFile,
			"-s", fmt.Sprintf("%g", args.DepthStart),
			"-e", fmt.Sprintf("%g", args.DepthEnd),
			"-r", fmt.Sprintf("%g", args.Resolution),
		}
		if args.PercentBrightest > 0 {
			argv = append(argv, "-p", fmt.Sprintf("%g", args.PercentBrightest))
		}
		if args.WireEdge != "" {
			argv = append(argv, "-w", args.WireEdge)
		}
		if args.DetectorNumber > 0 {
			argv = append(argv, "-d", fmt.Sprintf("%d", args.DetectorNumber))
		}

		commandLine := executable + " " + strings.Join(argv, " ")

		progress(0, "starting wire reconstruction")
		cmd := exec.CommandContext(ctx, executable, argv...)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return &Result{
				Message: fmt.Sprintf("Wire reconstruction failed: %v\nLog:\n%s", err, strings.TrimSpace(string(output))),
				Command: commandLine,
			}, fmt.Errorf("wire reconstruction failed: %w", err)
		}
		progress(100, "wire reconstruction complete")

		return &Result{
			Message:     fmt.Sprintf("Wire reconstruction complete. Output files:\n%s", args.OutputFile),
			Command:     commandLine,
			OutputFiles: []string{args.OutputFile},
		}, nil
	}
}

// ReconRunner builds the coded-aperture reconstruction runner. The
// configuration structure is flattened into --key value arguments in sorted
// key order so the recorded command is deterministic.
func ReconRunner(executable string, logger arbor.ILogger) Func {
	return func(ctx context.Context, raw json.RawMessage, progress Progress) (*Result, error) {
		var args ReconArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid reconstruction args: %w", err)
		}

		keys := make([]string, 0, len(args.Config))
		for k := range args.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var argv []string
		for _, k := range keys {
			argv = append(argv, "--"+k, fmt.Sprintf("%v", args.Config[k]))
		}
		commandLine := executable + " " + strings.Join(argv, " ")

		progress(0, "starting reconstruction")
		cmd := exec.CommandContext(ctx, executable, argv...)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return &Result{
				Message: fmt.Sprintf("Reconstruction failed: %v\nLog:\n%s", err, strings.TrimSpace(string(output))),
				Command: commandLine,
			}, fmt.Errorf("reconstruction failed: %w", err)
		}
		progress(100, "reconstruction complete")

		return &Result{
			Message: "Reconstruction analysis completed successfully",
			Command: commandLine,
		}, nil
	}
}

// PeakIndexRunner builds the peak indexing runner. Indexing is a multi-stage
// pipeline (peak search, pixel-to-q conversion, indexing); the command field
// records the newline-joined history of every stage executed.
func PeakIndexRunner(executable string, logger arbor.ILogger) Func {
	return func(ctx context.Context, raw json.RawMessage, progress Progress) (*Result, error) {
		var args PeakIndexArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid peak indexing args: %w", err)
		}

		stages := []struct {
			name string
			argv []string
		}{
			{"peaksearch", []string{"--stage", "peaksearch", "--scan-point", fmt.Sprintf("%d", args.ScanPoint), "--output-dir", args.OutputDir}},
			{"p2q", []string{"--stage", "p2q", "--scan-point", fmt.Sprintf("%d", args.ScanPoint), "--output-dir", args.OutputDir}},
			{"index", []string{"--stage", "index", "--scan-point", fmt.Sprintf("%d", args.ScanPoint), "--output-dir", args.OutputDir}},
		}

		var history []string
		for i, stage := range stages {
			commandLine := executable + " " + strings.Join(stage.argv, " ")
			history = append(history, commandLine)

			progress(i*100/len(stages), "running "+stage.name)
			cmd := exec.CommandContext(ctx, executable, stage.argv...)
			output, err := cmd.CombinedOutput()
			if err != nil {
				return &Result{
					Message: fmt.Sprintf("Peak indexing failed at %s: %v\nLog:\n%s", stage.name, err, strings.TrimSpace(string(output))),
					Command: strings.Join(history, "\n"),
				}, fmt.Errorf("peak indexing stage %s failed: %w", stage.name, err)
			}
		}
		progress(100, "peak indexing complete")

		return &Result{
			Message: fmt.Sprintf("Peak indexing complete for scan point %d", args.ScanPoint),
			Command: strings.Join(history, "\n"),
		}, nil
	}
}
