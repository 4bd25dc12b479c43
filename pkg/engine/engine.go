// Package engine walks a pipeline's stage graph, executes steps through the
// command executor or the container runner, fires post-stage hooks and
// aggregates stage outcomes into the run result.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/conveyorci/conveyor/pkg/artifacts"
	"github.com/conveyorci/conveyor/pkg/executor"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/runner"
	"github.com/conveyorci/conveyor/pkg/utils"
	"github.com/conveyorci/conveyor/pkg/vars"
	"golang.org/x/sync/errgroup"
)

// DefaultStepTimeout bounds steps that declare no timeout of their own.
const DefaultStepTimeout = time.Hour

const skipAborted = "aborted"

// ContainerStep is the contract the engine needs from a container runner.
type ContainerStep interface {
	Run(ctx context.Context) executor.StepResult
}

// ContainerStepFactory builds a runner for one container step. The engine
// uses a factory so tests can substitute a fake for the Docker runner.
type ContainerStepFactory func(step models.Step, stage, buildID string, env []string, out io.Writer) ContainerStep

type Options struct {
	// Parallel runs up to N independent stages concurrently. Zero or one
	// keeps the default sequential schedule.
	Parallel int

	Stdout           io.Writer
	Logger           *log.Logger
	DefaultTimeout   time.Duration
	NewContainerStep ContainerStepFactory
}

type Engine struct {
	exec  executor.Executor
	store artifacts.Manager
	opts  Options
}

func New(exec executor.Executor, store artifacts.Manager, opts Options) *Engine {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr)
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultStepTimeout
	}
	if opts.NewContainerStep == nil {
		opts.NewContainerStep = func(step models.Step, stage, buildID string, env []string, out io.Writer) ContainerStep {
			return runner.NewDockerRunner(step.Name, store, runner.DockerRunnerOptions{Stdout: out, Stderr: out}).
				WithImage(step.Image).
				WithScript(step.Run).
				WithSrc(step.WorkingDir).
				WithEnv(env).
				WithTimeout(stepTimeout(step, opts.DefaultTimeout)).
				CreatesArtifacts(step.Artifacts).
				ForBuild(buildID, stage)
		}
	}
	return &Engine{exec: exec, store: store, opts: opts}
}

// run carries the mutable state of one pipeline execution. A fresh run is
// created per Run call, so the engine itself stays reusable.
type run struct {
	engine   *Engine
	pipeline *models.Pipeline
	graph    *graph
	buildID  string
	ctx      *vars.Context

	lock     sync.Mutex
	status   map[string]StageStatus
	poisoned map[string]bool
	results  map[string]StageResult
}

// Run executes the pipeline against a fresh variable context seeded with the
// run-level variables. The returned result is complete even when the run
// failed or was aborted.
func (e *Engine) Run(ctx context.Context, pipeline *models.Pipeline, buildID string, seed map[string]string) (*PipelineResult, error) {
	g, err := buildGraph(pipeline.Stages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDefinition, err)
	}

	// Definition defaults first, then run-level variables over them.
	varCtx := vars.NewContext(nil)
	for _, v := range pipeline.Vars {
		for k, value := range v {
			varCtx.Set(k, value)
		}
	}
	for k, value := range seed {
		varCtx.Set(k, value)
	}
	varCtx.Set("BUILD_ID", buildID)

	r := &run{
		engine:   e,
		pipeline: pipeline,
		graph:    g,
		buildID:  buildID,
		ctx:      varCtx,
		status:   make(map[string]StageStatus, len(pipeline.Stages)),
		poisoned: make(map[string]bool, len(pipeline.Stages)),
		results:  make(map[string]StageResult, len(pipeline.Stages)),
	}
	for _, stage := range pipeline.Stages {
		r.status[stage.Name] = StagePending
	}

	started := time.Now()
	e.opts.Logger.Info("pipeline started", "pipeline", pipeline.Name, "build", buildID)
	r.execute(ctx)

	result := r.collect(ctx, started)
	e.opts.Logger.Info("pipeline finished", "pipeline", pipeline.Name, "build", buildID, "outcome", result.Outcome)
	return result, nil
}

func (r *run) execute(ctx context.Context) {
	limit := r.engine.opts.Parallel
	if limit < 1 {
		limit = 1
	}

	for ctx.Err() == nil {
		ready := r.readyStages()
		if len(ready) == 0 {
			return
		}

		var eg errgroup.Group
		eg.SetLimit(limit)
		for _, name := range ready {
			stage := r.graph.stages[name]
			eg.Go(func() error {
				r.runStage(ctx, stage)
				return nil
			})
		}
		eg.Wait()
	}
}

func (r *run) readyStages() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.graph.ready(r.status)
}

func (r *run) setStatus(name string, status StageStatus) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.status[name] = status
}

func (r *run) runStage(ctx context.Context, stage models.Stage) {
	logger := r.engine.opts.Logger

	if reason, skip := r.shouldSkip(stage); skip {
		r.finishStage(StageResult{
			Name:       stage.Name,
			Status:     StageSkipped,
			SkipReason: reason,
			StartedAt:  time.Now(),
		})
		logger.Info("stage skipped", "stage", stage.Name, "reason", reason)
		return
	}

	r.setStatus(stage.Name, StageRunning)
	logger.Info("stage started", "stage", stage.Name)

	result := StageResult{
		Name:      stage.Name,
		Status:    StageSucceeded,
		StartedAt: time.Now(),
	}

	out := utils.NewColorLogger(stage.Name, r.engine.opts.Stdout, true)
	for _, step := range stage.Steps {
		stepResult := r.runStep(ctx, stage, step, out)
		result.Steps = append(result.Steps, StepOutcome{Name: step.Name, StepResult: stepResult})

		if stepResult.Failed() {
			result.Status = StageFailed
			logger.Error("step failed", "stage", stage.Name, "step", step.Name,
				"outcome", stepResult.Outcome, "exit", stepResult.ExitCode)
			break
		}
	}

	// Hooks run on leaving RUNNING no matter how the steps ended, on a
	// context that survives operator cancellation so cleanup still
	// happens for the in-flight stage.
	hookCtx := context.WithoutCancel(ctx)
	for _, hook := range stage.Hooks {
		if !hookMatches(hook.Trigger, result.Status) {
			continue
		}
		hookResult := r.runStep(hookCtx, stage, hook.Step, out)
		result.Hooks = append(result.Hooks, HookOutcome{Name: hook.Name, Trigger: hook.Trigger, StepResult: hookResult})
		if hookResult.Failed() {
			logger.Warn("hook failed", "stage", stage.Name, "hook", hook.Name, "outcome", hookResult.Outcome)
		}
	}

	result.Duration = time.Since(result.StartedAt)
	r.finishStage(result)
	logger.Info("stage finished", "stage", stage.Name, "status", result.Status, "duration", result.Duration)
}

// shouldSkip applies the two skip rules: fail-fast propagation from a failed
// dependency and the stage's own condition. A stage skipped by condition does
// not poison its dependents; a dependency skip does.
func (r *run) shouldSkip(stage models.Stage) (string, bool) {
	r.lock.Lock()
	poisonedDep := false
	for _, dep := range stage.DependsOn {
		if r.poisoned[dep] {
			poisonedDep = true
			break
		}
	}
	r.lock.Unlock()

	if poisonedDep && !stage.ContinueOnDependencyFailure {
		return SkipDependencyFailure, true
	}
	if stage.If != "" && !r.conditionHolds(stage.If) {
		return SkipCondition, true
	}
	return "", false
}

// conditionHolds evaluates "KEY=VALUE" or a bare "KEY" against the context.
func (r *run) conditionHolds(cond string) bool {
	key, want, exact := strings.Cut(cond, "=")
	got, err := r.ctx.Get(strings.TrimSpace(key))
	if err != nil {
		return false
	}
	if exact {
		return got == strings.TrimSpace(want)
	}
	return got != ""
}

func (r *run) finishStage(result StageResult) {
	if result.Duration == 0 {
		result.Duration = time.Since(result.StartedAt)
	}

	r.lock.Lock()
	r.status[result.Name] = result.Status
	if result.Status == StageFailed || result.SkipReason == SkipDependencyFailure {
		r.poisoned[result.Name] = true
	}
	r.results[result.Name] = result
	r.lock.Unlock()

	if _, err := r.engine.store.Record(r.buildID, result.Name, "stage-summary", map[string]string{
		"status":   string(result.Status),
		"duration": result.Duration.String(),
	}); err != nil {
		r.engine.opts.Logger.Warn("could not record stage summary", "stage", result.Name, "err", err)
	}
}

func (r *run) runStep(ctx context.Context, stage models.Stage, step models.Step, out io.Writer) executor.StepResult {
	if step.IsAction() {
		return r.runAction(stage, step)
	}

	env := r.stepEnv(stage, step)
	if step.Image != "" {
		return r.engine.opts.NewContainerStep(step, stage.Name, r.buildID, env, out).Run(ctx)
	}

	spec := executor.Spec{
		Command:    "/bin/sh",
		Args:       []string{"-c", step.Run},
		Env:        env,
		WorkingDir: step.WorkingDir,
		Timeout:    stepTimeout(step, r.engine.opts.DefaultTimeout),
		Stream:     out,
	}
	if step.Retry != nil {
		spec.Retry = &executor.RetryPolicy{
			MaxAttempts: step.Retry.MaxAttempts,
			Backoff:     step.Retry.Backoff.Std(),
		}
	}
	return r.engine.exec.Run(ctx, spec)
}

// runAction executes the internal step variants: "set" writes context
// variables, "record" appends a structured artifact.
func (r *run) runAction(stage models.Stage, step models.Step) executor.StepResult {
	started := time.Now()
	result := executor.StepResult{Outcome: executor.OutcomeOK, StartedAt: started, Attempts: 1}

	switch step.Action {
	case "set":
		for k, v := range step.With {
			r.ctx.Set(k, r.expand(v))
		}
	case "record":
		payload := make(map[string]string, len(step.With))
		for k, v := range step.With {
			if k == "kind" {
				continue
			}
			payload[k] = r.expand(v)
		}
		if _, err := r.engine.store.Record(r.buildID, stage.Name, step.With["kind"], payload); err != nil {
			result.Outcome = executor.OutcomeSpawnError
			result.ExitCode = -1
			result.Err = err
		}
	default:
		result.Outcome = executor.OutcomeSpawnError
		result.ExitCode = -1
		result.Err = fmt.Errorf("unknown action %q", step.Action)
	}

	result.Duration = time.Since(started)
	return result
}

// stepEnv merges the shared context over the step's own overrides. Context
// variables reach commands as environment, never by interpolating the command
// text.
func (r *run) stepEnv(stage models.Stage, step models.Step) []string {
	env := r.ctx.Environ()
	env = append(env, "CONVEYOR_STAGE="+stage.Name, "CONVEYOR_BUILD_ID="+r.buildID)
	for _, v := range step.Env {
		for k, value := range v {
			env = append(env, fmt.Sprintf("%s=%s", k, r.expand(value)))
		}
	}
	return env
}

func (r *run) expand(s string) string {
	return os.Expand(s, func(key string) string {
		v, err := r.ctx.Get(key)
		if err != nil {
			return ""
		}
		return v
	})
}

func (r *run) collect(ctx context.Context, started time.Time) *PipelineResult {
	out := &PipelineResult{
		BuildID:   r.buildID,
		Pipeline:  r.pipeline.Name,
		Outcome:   PipelineSucceeded,
		Vars:      r.ctx.Snapshot(),
		StartedAt: started,
		Duration:  time.Since(started),
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	for _, stage := range r.pipeline.Stages {
		result, ok := r.results[stage.Name]
		if !ok {
			result = StageResult{Name: stage.Name, Status: StageSkipped, SkipReason: skipAborted}
		}
		out.Stages = append(out.Stages, result)

		// A dependency skip only happens downstream of a failure, so
		// checking for failed stages decides the outcome.
		if result.Status == StageFailed {
			out.Outcome = PipelineFailed
		}
	}

	if ctx.Err() != nil {
		out.Outcome = PipelineAborted
	}
	return out
}

func hookMatches(trigger models.Trigger, status StageStatus) bool {
	switch trigger {
	case models.TriggerAlways:
		return true
	case models.TriggerOnSuccess:
		return status == StageSucceeded
	case models.TriggerOnFailure:
		return status == StageFailed
	}
	return false
}

func stepTimeout(step models.Step, fallback time.Duration) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout.Std()
	}
	return fallback
}
