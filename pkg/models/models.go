// Package models defines the pipeline definition document and its load-time
// validation rules.
package models

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type Variable map[string]string

// Trigger decides when a stage hook runs.
type Trigger string

const (
	TriggerAlways    Trigger = "always"
	TriggerOnSuccess Trigger = "on_success"
	TriggerOnFailure Trigger = "on_failure"
)

// Pipeline is the root of a definition document. It is immutable after Load.
type Pipeline struct {
	Name   string     `yaml:"name" validate:"required"`
	Vars   []Variable `yaml:"vars" validate:"dive"`
	Stages []Stage    `yaml:"stages" validate:"required,min=1,dive"`
}

type Stage struct {
	Name      string   `yaml:"name" validate:"required"`
	DependsOn []string `yaml:"depends_on"`

	// If skips the stage by design when the condition over context
	// variables does not hold. "KEY=VALUE" or a bare "KEY" (non-empty).
	If string `yaml:"if"`

	// ContinueOnDependencyFailure runs the stage even when a
	// dependency failed instead of skipping it.
	ContinueOnDependencyFailure bool `yaml:"continue_on_dependency_failure"`

	Steps []Step `yaml:"steps" validate:"required,min=1,dive"`
	Hooks []Hook `yaml:"hooks" validate:"dive"`
}

// Step is a tagged variant: exactly one of Run (a shell command, optionally
// inside a container when Image is set) or Action (an internal action) is set.
type Step struct {
	Name   string   `yaml:"name" validate:"required"`
	Run    string   `yaml:"run"`
	Action string   `yaml:"action" validate:"omitempty,oneof=set record"`
	With   Variable `yaml:"with"`

	// Image runs the command inside a container instead of on the host.
	Image string `yaml:"image"`

	Env        []Variable `yaml:"env" validate:"dive"`
	WorkingDir string     `yaml:"workdir"`
	Timeout    Duration   `yaml:"timeout"`
	Retry      *Retry     `yaml:"retry"`

	// Artifacts are paths copied out of the container after a
	// successful container step.
	Artifacts []string `yaml:"artifacts"`
}

// IsAction reports whether the step is an internal action rather than a
// command invocation.
func (s Step) IsAction() bool {
	return s.Action != ""
}

// Retry is the only retry mechanism in the engine: bounded attempts with a
// fixed backoff, attached to a single step.
type Retry struct {
	MaxAttempts int      `yaml:"max_attempts" validate:"required,min=1,max=10"`
	Backoff     Duration `yaml:"backoff"`
}

// Hook is a step bound to stage completion, gated by its trigger.
type Hook struct {
	Trigger Trigger `yaml:"trigger" validate:"required,oneof=always on_success on_failure"`
	Step    `yaml:",inline"`
}

// Duration wraps time.Duration so timeouts can be written as "10m" in yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
