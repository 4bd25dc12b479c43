// Package report renders a run into the machine-readable summary document
// and parses it back.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/conveyorci/conveyor/pkg/artifacts"
	"github.com/conveyorci/conveyor/pkg/engine"
)

type StageSummary struct {
	Name       string   `json:"name"`
	Outcome    string   `json:"outcome"`
	SkipReason string   `json:"skip_reason,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	Artifacts  []string `json:"artifacts,omitempty"`
}

type Summary struct {
	BuildID    string         `json:"build_id"`
	Pipeline   string         `json:"pipeline"`
	Outcome    string         `json:"outcome"`
	Stages     []StageSummary `json:"stages"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
}

// FromResult builds the summary for a finished run, attaching the keys of
// every artifact the run recorded to its stage.
func FromResult(result *engine.PipelineResult, recorded []artifacts.Artifact) Summary {
	byStage := make(map[string][]string)
	for _, a := range recorded {
		byStage[a.Stage] = append(byStage[a.Stage], a.Key)
	}

	s := Summary{
		BuildID:    result.BuildID,
		Pipeline:   result.Pipeline,
		Outcome:    string(result.Outcome),
		StartedAt:  result.StartedAt.UTC(),
		DurationMS: result.Duration.Milliseconds(),
	}
	for _, stage := range result.Stages {
		s.Stages = append(s.Stages, StageSummary{
			Name:       stage.Name,
			Outcome:    string(stage.Status),
			SkipReason: stage.SkipReason,
			DurationMS: stage.Duration.Milliseconds(),
			Artifacts:  byStage[stage.Name],
		})
	}
	return s
}

// Write emits the summary as indented JSON.
func Write(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("could not write run summary: %w", err)
	}
	return nil
}

// Parse reads a summary previously produced by Write.
func Parse(r io.Reader) (Summary, error) {
	var s Summary
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return Summary{}, fmt.Errorf("could not parse run summary: %w", err)
	}
	return s, nil
}
