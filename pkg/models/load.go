package models

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrDefinition marks every error produced while loading or validating a
// pipeline document. Callers distinguish "the pipeline is broken" from "the
// pipeline ran and failed" with errors.Is.
var ErrDefinition = errors.New("invalid pipeline definition")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads, decodes and validates a pipeline definition file.
func Load(path string) (*Pipeline, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefinition, err)
	}
	return Parse(contents)
}

// Parse decodes and validates a pipeline definition document.
func Parse(contents []byte) (*Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefinition, err)
	}

	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefinition, err)
	}
	if err := p.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefinition, err)
	}
	return &p, nil
}

// check enforces the structural rules the validator tags cannot express:
// unique stage names, dependencies resolving to earlier stages and typed
// step variants.
func (p *Pipeline) check() error {
	for _, v := range p.Vars {
		if len(v) != 1 {
			return errors.New("vars should be defined as key value pairs")
		}
	}

	seen := make(map[string]struct{}, len(p.Stages))
	for _, stage := range p.Stages {
		if _, ok := seen[stage.Name]; ok {
			return fmt.Errorf("stage %q defined more than once", stage.Name)
		}

		for _, dep := range stage.DependsOn {
			if dep == stage.Name {
				return fmt.Errorf("stage %q depends on itself", stage.Name)
			}
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("stage %q depends on %q which is not defined earlier", stage.Name, dep)
			}
		}
		seen[stage.Name] = struct{}{}

		stepNames := make(map[string]struct{}, len(stage.Steps))
		for _, step := range stage.Steps {
			if _, ok := stepNames[step.Name]; ok {
				return fmt.Errorf("stage %q: step %q defined more than once", stage.Name, step.Name)
			}
			stepNames[step.Name] = struct{}{}

			if err := step.checkVariant(); err != nil {
				return fmt.Errorf("stage %q: step %q: %v", stage.Name, step.Name, err)
			}
		}

		for _, hook := range stage.Hooks {
			if err := hook.checkVariant(); err != nil {
				return fmt.Errorf("stage %q: hook %q: %v", stage.Name, hook.Name, err)
			}
		}
	}
	return nil
}

func (s Step) checkVariant() error {
	switch {
	case s.Run == "" && s.Action == "":
		return errors.New("one of run or action is required")
	case s.Run != "" && s.Action != "":
		return errors.New("run and action are mutually exclusive")
	case s.Action != "" && s.Image != "":
		return errors.New("actions cannot run in a container")
	case s.Action != "" && s.Retry != nil:
		return errors.New("retry applies to commands only")
	case s.Action == "set" && len(s.With) == 0:
		return errors.New("set requires at least one with entry")
	case s.Action == "record" && s.With["kind"] == "":
		return errors.New("record requires with.kind")
	case len(s.Artifacts) > 0 && s.Image == "":
		return errors.New("artifacts require a container step")
	}

	for _, v := range s.Env {
		if len(v) != 1 {
			return errors.New("env variables should be defined as a key value pair")
		}
	}
	return nil
}
