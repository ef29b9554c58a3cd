package xmlmerge

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"
)

// Result reports the outcome of a merge. FilesMerged counts every XML file
// attempted, including malformed files that were skipped; the tests for the
// original pipeline pin this interpretation down.
type Result struct {
	Success     bool   `json:"success"`
	FilesMerged int    `json:"files_merged"`
	StepsMerged int    `json:"steps_merged"`
	OutputPath  string `json:"output_path"`
	Err         error  `json:"-"`
}

// Summary renders the result for inclusion in a coordinator message.
func (r Result) Summary() string {
	if r.Success {
		return fmt.Sprintf("Merged %d XML files into %s", r.FilesMerged, r.OutputPath)
	}
	return fmt.Sprintf("XML merge failed: %v", r.Err)
}

// Merger concatenates per-subjob AllSteps documents into one.
type Merger struct {
	logger arbor.ILogger
}

// NewMerger creates a merger.
func NewMerger(logger arbor.ILogger) *Merger {
	return &Merger{logger: logger}
}

// ResolveOutput resolves the merged-artifact location: an absolute path is
// used verbatim, anything else is taken relative to the batch output
// directory.
func ResolveOutput(outputDir, pathOrName string) string {
	if filepath.IsAbs(pathOrName) {
		return pathOrName
	}
	return filepath.Join(outputDir, pathOrName)
}

// Merge reads every *.xml file in xmlDir in lexicographic filename order and
// writes a single document whose root AllSteps element holds the
// concatenation of all step elements, in full fidelity. Malformed inputs are
// skipped with a warning and still counted as attempted.
func (m *Merger) Merge(xmlDir, outputPath string) Result {
	result := Result{OutputPath: outputPath}

	entries, err := os.ReadDir(xmlDir)
	if err != nil {
		result.Err = fmt.Errorf("failed to read XML directory %s: %w", xmlDir, err)
		return result
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".xml") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		result.Err = fmt.Errorf("no XML files found in %s", xmlDir)
		return result
	}

	var steps [][]xml.Token
	for _, name := range files {
		result.FilesMerged++
		fileSteps, err := extractSteps(filepath.Join(xmlDir, name))
		if err != nil {
			m.logger.Warn().
				Err(err).
				Str("file", name).
				Msg("Skipping malformed XML file during merge")
			continue
		}
		steps = append(steps, fileSteps...)
	}

	if len(steps) == 0 {
		result.Err = fmt.Errorf("no step elements found in %d XML files", result.FilesMerged)
		return result
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		result.Err = fmt.Errorf("failed to create output directory: %w", err)
		return result
	}

	if err := writeMerged(outputPath, steps); err != nil {
		result.Err = err
		return result
	}

	result.Success = true
	result.StepsMerged = len(steps)

	m.logger.Info().
		Int("files", result.FilesMerged).
		Int("steps", result.StepsMerged).
		Str("output", outputPath).
		Msg("XML merge complete")

	return result
}

// extractSteps parses one AllSteps document and returns the token runs of its
// top-level step elements, preserving attributes, nested elements, and text.
func extractSteps(path string) ([][]xml.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := xml.NewDecoder(f)

	var steps [][]xml.Token
	depth := 0
	rootSeen := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed XML: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if !rootSeen {
				if t.Name.Local != "AllSteps" {
					return nil, fmt.Errorf("unexpected root element %q, want AllSteps", t.Name.Local)
				}
				rootSeen = true
				depth++
				continue
			}
			if depth == 1 && t.Name.Local == "step" {
				run, err := captureElement(decoder, t)
				if err != nil {
					return nil, err
				}
				steps = append(steps, run)
				continue
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}

	if !rootSeen {
		return nil, fmt.Errorf("no root element found")
	}
	return steps, nil
}

// captureElement copies the start token plus everything through the matching
// end token.
func captureElement(decoder *xml.Decoder, start xml.StartElement) ([]xml.Token, error) {
	run := []xml.Token{start.Copy()}
	depth := 1
	for depth > 0 {
		tok, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("malformed XML inside step element: %w", err)
		}
		run = append(run, xml.CopyToken(tok))
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return run, nil
}

func writeMerged(outputPath string, steps [][]xml.Token) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create merged output: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("<?xml version=\"1.0\" ?>\n"); err != nil {
		return err
	}

	encoder := xml.NewEncoder(f)
	root := xml.StartElement{Name: xml.Name{Local: "AllSteps"}}
	if err := encoder.EncodeToken(root); err != nil {
		return err
	}
	for _, run := range steps {
		for _, tok := range run {
			if err := encoder.EncodeToken(tok); err != nil {
				return fmt.Errorf("failed to write step element: %w", err)
			}
		}
	}
	if err := encoder.EncodeToken(root.End()); err != nil {
		return err
	}
	if err := encoder.Flush(); err != nil {
		return fmt.Errorf("failed to flush merged output: %w", err)
	}
	if _, err := f.WriteString("\n"); err != nil {
		return err
	}
	return nil
}
