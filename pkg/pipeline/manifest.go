package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"

	"dicom2svr/internal/models"
)

// SeriesSummary describes a DICOM series without listing its files.
type SeriesSummary struct {
	UID         string `json:"uid"`
	Number      int    `json:"number"`
	Description string `json:"description,omitempty"`
	Instances   int    `json:"instances"`
}

// Manifest is the machine readable record of a run, rewritten after each step.
type Manifest struct {
	RunID    string            `json:"runId"`
	DicomDir string            `json:"dicomDir"`
	OutDir   string            `json:"outDir"`
	Started  time.Time         `json:"started"`
	Finished time.Time         `json:"finished,omitzero"`
	Status   models.StepStatus `json:"status"`

	Series    []SeriesSummary `json:"series,omitempty"`
	Stacks    []models.Stack  `json:"stacks,omitempty"`
	Template  string          `json:"template,omitempty"`
	Mask      string          `json:"mask,omitempty"`
	Output    string          `json:"output,omitempty"`
	Reference string          `json:"reference,omitempty"`
	Report    string          `json:"report,omitempty"`

	Steps []models.StepResult `json:"steps"`
}

func summarize(series []models.Series) []SeriesSummary {
	out := make([]SeriesSummary, 0, len(series))
	for _, s := range series {
		out = append(out, SeriesSummary{
			UID:         s.UID,
			Number:      s.Number,
			Description: s.Description,
			Instances:   len(s.Instances),
		})
	}
	return out
}

// writeJSON atomically replaces path with the indented JSON encoding of v.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ReadManifest loads the manifest written by a previous run.
func ReadManifest(path string) (*Manifest, error) {
	var m Manifest
	if err := readJSON(path, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
