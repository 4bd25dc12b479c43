package engine

import (
	"time"

	"github.com/conveyorci/conveyor/pkg/executor"
	"github.com/conveyorci/conveyor/pkg/models"
)

// StageStatus is the state machine position of one stage.
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageRunning   StageStatus = "RUNNING"
	StageSucceeded StageStatus = "SUCCEEDED"
	StageFailed    StageStatus = "FAILED"
	StageSkipped   StageStatus = "SKIPPED"
)

// Terminal reports whether a stage has left the PENDING/RUNNING states.
func (s StageStatus) Terminal() bool {
	return s == StageSucceeded || s == StageFailed || s == StageSkipped
}

// Outcome is the aggregate result of a run.
type Outcome string

const (
	PipelineSucceeded Outcome = "SUCCEEDED"
	PipelineFailed    Outcome = "FAILED"
	PipelineAborted   Outcome = "ABORTED"
)

// Skip reasons distinguish a stage skipped because a prerequisite failed
// from one skipped by design through its condition.
const (
	SkipDependencyFailure = "dependency_failure"
	SkipCondition         = "condition"
)

// StepOutcome pairs a step name with its invocation record.
type StepOutcome struct {
	Name string `json:"name"`
	executor.StepResult
}

// HookOutcome records one hook invocation. Hook failures never change the
// stage outcome; they are only visible here and in the log.
type HookOutcome struct {
	Name    string         `json:"name"`
	Trigger models.Trigger `json:"trigger"`
	executor.StepResult
}

// StageResult is immutable once the stage completes.
type StageResult struct {
	Name       string        `json:"name"`
	Status     StageStatus   `json:"status"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Steps      []StepOutcome `json:"steps,omitempty"`
	Hooks      []HookOutcome `json:"hooks,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// PipelineResult is produced once, at run end.
type PipelineResult struct {
	BuildID   string            `json:"build_id"`
	Pipeline  string            `json:"pipeline"`
	Outcome   Outcome           `json:"outcome"`
	Stages    []StageResult     `json:"stages"`
	Vars      map[string]string `json:"vars,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
}

// ExitCode maps the run outcome to the process exit code contract: 0 for
// success, 1 for any failed stage or an abort.
func (r *PipelineResult) ExitCode() int {
	if r.Outcome == PipelineSucceeded {
		return 0
	}
	return 1
}
