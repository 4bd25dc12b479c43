package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/conveyorci/conveyor/pkg/artifacts"
	"github.com/conveyorci/conveyor/pkg/executor"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExec runs no processes. It records the scripts it was asked to run and
// answers with scripted results, succeeding by default.
type fakeExec struct {
	mu      sync.Mutex
	calls   []string
	results map[string]executor.StepResult
	block   func(script string)
}

func (f *fakeExec) Run(ctx context.Context, spec executor.Spec) executor.StepResult {
	script := spec.Args[len(spec.Args)-1]

	f.mu.Lock()
	f.calls = append(f.calls, script)
	result, scripted := f.results[script]
	f.mu.Unlock()

	if f.block != nil {
		f.block(script)
	}
	if scripted {
		return result
	}
	return executor.StepResult{Outcome: executor.OutcomeOK, Attempts: 1}
}

func (f *fakeExec) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExec) count(script string) int {
	n := 0
	for _, c := range f.callList() {
		if c == script {
			n++
		}
	}
	return n
}

func failure(outcome executor.Outcome, exit int) executor.StepResult {
	r := executor.StepResult{Outcome: outcome, ExitCode: exit, Attempts: 1}
	if outcome == executor.OutcomeSpawnError {
		r.Err = errors.New("binary not found")
	}
	return r
}

func newTestEngine(t *testing.T, exec executor.Executor, opts Options) (*Engine, *artifacts.FileManager) {
	t.Helper()
	store, err := artifacts.NewFileManager(t.TempDir())
	require.NoError(t, err)

	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	return New(exec, store, opts), store
}

func cmdStep(name, script string) models.Step {
	return models.Step{Name: name, Run: script}
}

func pipeline(stages ...models.Stage) *models.Pipeline {
	return &models.Pipeline{Name: "test-pipeline", Stages: stages}
}

func stageStatus(t *testing.T, result *PipelineResult, name string) StageResult {
	t.Helper()
	for _, s := range result.Stages {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("stage %s not in result", name)
	return StageResult{}
}

func TestSequentialOrderFollowsDependencies(t *testing.T) {
	fake := &fakeExec{}
	eng, _ := newTestEngine(t, fake, Options{})

	p := pipeline(
		models.Stage{Name: "deploy", DependsOn: []string{"test"}, Steps: []models.Step{cmdStep("d", "deploy.sh")}},
		models.Stage{Name: "build", Steps: []models.Step{cmdStep("b", "build.sh")}},
		models.Stage{Name: "test", DependsOn: []string{"build"}, Steps: []models.Step{cmdStep("t", "test.sh")}},
	)

	result, err := eng.Run(context.Background(), p, "1", nil)
	require.NoError(t, err)

	assert.Equal(t, PipelineSucceeded, result.Outcome)
	assert.Equal(t, []string{"build.sh", "test.sh", "deploy.sh"}, fake.callList())
}

func TestDependencyFailureSkipsDependents(t *testing.T) {
	fake := &fakeExec{results: map[string]executor.StepResult{
		"test.sh": failure(executor.OutcomeNonZeroExit, 1),
	}}
	eng, _ := newTestEngine(t, fake, Options{})

	p := pipeline(
		models.Stage{Name: "build", Steps: []models.Step{cmdStep("b", "build.sh")}},
		models.Stage{Name: "test", DependsOn: []string{"build"}, Steps: []models.Step{cmdStep("t", "test.sh")}},
		models.Stage{Name: "deploy", DependsOn: []string{"test"}, Steps: []models.Step{cmdStep("d", "deploy.sh")}},
		models.Stage{Name: "notify", DependsOn: []string{"deploy"}, Steps: []models.Step{cmdStep("n", "notify.sh")}},
	)

	result, err := eng.Run(context.Background(), p, "1", nil)
	require.NoError(t, err)

	assert.Equal(t, PipelineFailed, result.Outcome)
	assert.Equal(t, 1, result.ExitCode())
	assert.Equal(t, StageFailed, stageStatus(t, result, "test").Status)

	deploy := stageStatus(t, result, "deploy")
	assert.Equal(t, StageSkipped, deploy.Status)
	assert.Equal(t, SkipDependencyFailure, deploy.SkipReason)
	assert.Zero(t, fake.count("deploy.sh"))

	// The skip propagates transitively.
	notify := stageStatus(t, result, "notify")
	assert.Equal(t, StageSkipped, notify.Status)
	assert.Equal(t, SkipDependencyFailure, notify.SkipReason)
}

func TestContinueOnDependencyFailure(t *testing.T) {
	fake := &fakeExec{results: map[string]executor.StepResult{
		"test.sh": failure(executor.OutcomeNonZeroExit, 1),
	}}
	eng, _ := newTestEngine(t, fake, Options{})

	p := pipeline(
		models.Stage{Name: "test", Steps: []models.Step{cmdStep("t", "test.sh")}},
		models.Stage{
			Name:                        "report",
			DependsOn:                   []string{"test"},
			ContinueOnDependencyFailure: true,
			Steps:                       []models.Step{cmdStep("r", "report.sh")},
		},
	)

	result, err := eng.Run(context.Background(), p, "1", nil)
	require.NoError(t, err)

	assert.Equal(t, PipelineFailed, result.Outcome)
	assert.Equal(t, StageSucceeded, stageStatus(t, result, "report").Status)
	assert.Equal(t, 1, fake.count("report.sh"))
}

func TestStepsHaltAfterFirstFailure(t *testing.T) {
	fake := &fakeExec{results: map[string]executor.StepResult{
		"second.sh": failure(executor.OutcomeNonZeroExit, 2),
	}}
	eng, _ := newTestEngine(t, fake, Options{})

	p := pipeline(models.Stage{Name: "build", Steps: []models.Step{
		cmdStep("first", "first.sh"),
		cmdStep("second", "second.sh"),
		cmdStep("third", "third.sh"),
	}})

	result, err := eng.Run(context.Background(), p, "1", nil)
	require.NoError(t, err)

	build := stageStatus(t, result, "build")
	assert.Equal(t, StageFailed, build.Status)
	require.Len(t, build.Steps, 2)
	assert.Equal(t, 2, build.Steps[1].ExitCode)
	assert.Zero(t, fake.count("third.sh"))
}

func TestAlwaysHookRunsExactlyOncePerOutcome(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]executor.StepResult
	}{
		{name: "stage succeeded", results: nil},
		{name: "stage failed", results: map[string]executor.StepResult{
			"work.sh": failure(executor.OutcomeNonZeroExit, 1),
		}},
		{name: "stage spawn error", results: map[string]executor.StepResult{
			"work.sh": failure(executor.OutcomeSpawnError, -1),
		}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fake := &fakeExec{results: test.results}
			eng, _ := newTestEngine(t, fake, Options{})

			p := pipeline(models.Stage{
				Name:  "work",
				Steps: []models.Step{cmdStep("w", "work.sh")},
				Hooks: []models.Hook{{Trigger: models.TriggerAlways, Step: cmdStep("cleanup", "cleanup.sh")}},
			})

			_, err := eng.Run(context.Background(), p, "1", nil)
			require.NoError(t, err)
			assert.Equal(t, 1, fake.count("cleanup.sh"))
		})
	}
}

func TestConditionalHooksMatchOutcome(t *testing.T) {
	fake := &fakeExec{results: map[string]executor.StepResult{
		"bad.sh": failure(executor.OutcomeNonZeroExit, 1),
	}}
	eng, _ := newTestEngine(t, fake, Options{})

	hooks := func() []models.Hook {
		return []models.Hook{
			{Trigger: models.TriggerOnSuccess, Step: cmdStep("ok", "on-success.sh")},
			{Trigger: models.TriggerOnFailure, Step: cmdStep("bad", "on-failure.sh")},
		}
	}
	p := pipeline(
		models.Stage{Name: "good", Steps: []models.Step{cmdStep("g", "good.sh")}, Hooks: hooks()},
		models.Stage{Name: "broken", Steps: []models.Step{cmdStep("b", "bad.sh")}, Hooks: hooks()},
	)

	_, err := eng.Run(context.Background(), p, "1", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.count("on-success.sh"))
	assert.Equal(t, 1, fake.count("on-failure.sh"))
}

func TestHookFailureDoesNotChangeStageOutcome(t *testing.T) {
	fake := &fakeExec{results: map[string]executor.StepResult{
		"cleanup.sh": failure(executor.OutcomeNonZeroExit, 1),
	}}
	eng, _ := newTestEngine(t, fake, Options{})

	p := pipeline(models.Stage{
		Name:  "work",
		Steps: []models.Step{cmdStep("w", "work.sh")},
		Hooks: []models.Hook{{Trigger: models.TriggerAlways, Step: cmdStep("cleanup", "cleanup.sh")}},
	})

	result, err := eng.Run(context.Background(), p, "1", nil)
	require.NoError(t, err)

	work := stageStatus(t, result, "work")
	assert.Equal(t, StageSucceeded, work.Status)
	assert.Equal(t, PipelineSucceeded, result.Outcome)
	require.Len(t, work.Hooks, 1)
	assert.True(t, work.Hooks[0].Failed())
}

func TestConditionSkipIsNotAFailure(t *testing.T) {
	fake := &fakeExec{}
	eng, _ := newTestEngine(t, fake, Options{})

	p := pipeline(
		models.Stage{Name: "build", Steps: []models.Step{cmdStep("b", "build.sh")}},
		models.Stage{Name: "deploy", If: "DEPLOY_ENV=production", Steps: []models.Step{cmdStep("d", "deploy.sh")}},
	)

	result, err := eng.Run(context.Background(), p, "1", map[string]string{"DEPLOY_ENV": "staging"})
	require.NoError(t, err)

	deploy := stageStatus(t, result, "deploy")
	assert.Equal(t, StageSkipped, deploy.Status)
	assert.Equal(t, SkipCondition, deploy.SkipReason)
	assert.Equal(t, PipelineSucceeded, result.Outcome)
	assert.Equal(t, 0, result.ExitCode())
}

func TestConditionHolds(t *testing.T) {
	fake := &fakeExec{}
	eng, _ := newTestEngine(t, fake, Options{})

	p := pipeline(
		models.Stage{Name: "deploy", If: "DEPLOY_ENV=production", Steps: []models.Step{cmdStep("d", "deploy.sh")}},
		models.Stage{Name: "announce", If: "CHANGELOG", Steps: []models.Step{cmdStep("a", "announce.sh")}},
	)

	result, err := eng.Run(context.Background(), p, "1", map[string]string{
		"DEPLOY_ENV": "production",
		"CHANGELOG":  "v2 release notes",
	})
	require.NoError(t, err)

	assert.Equal(t, StageSucceeded, stageStatus(t, result, "deploy").Status)
	assert.Equal(t, StageSucceeded, stageStatus(t, result, "announce").Status)
}

func TestContextWriteVisibleToLaterStage(t *testing.T) {
	eng, _ := newTestEngine(t, executor.NewCommandExecutor(), Options{})

	p := pipeline(
		models.Stage{Name: "build", Steps: []models.Step{
			{Name: "publish image id", Action: "set", With: models.Variable{"IMAGE_ID": "v1"}},
		}},
		models.Stage{Name: "deploy", DependsOn: []string{"build"}, Steps: []models.Step{
			cmdStep("check", `test "$IMAGE_ID" = "v1"`),
		}},
	)

	result, err := eng.Run(context.Background(), p, "1", nil)
	require.NoError(t, err)

	assert.Equal(t, PipelineSucceeded, result.Outcome)
	assert.Equal(t, "v1", result.Vars["IMAGE_ID"])
}

func TestRecordActionExpandsContext(t *testing.T) {
	fake := &fakeExec{}
	eng, store := newTestEngine(t, fake, Options{})

	p := pipeline(models.Stage{Name: "build", Steps: []models.Step{
		{Name: "tag", Action: "set", With: models.Variable{"TAG": "1.4.2"}},
		{Name: "record image", Action: "record", With: models.Variable{
			"kind": "image",
			"id":   "registry.example.com/app:${TAG}",
		}},
	}})

	result, err := eng.Run(context.Background(), p, "7", nil)
	require.NoError(t, err)
	assert.Equal(t, PipelineSucceeded, result.Outcome)

	recorded, err := store.Query("7")
	require.NoError(t, err)

	var image *artifacts.Artifact
	for i := range recorded {
		if recorded[i].Kind == "image" {
			image = &recorded[i]
		}
	}
	require.NotNil(t, image)
	assert.Equal(t, "registry.example.com/app:1.4.2", image.Payload["id"])
}

func TestContainerStepsUseTheFactory(t *testing.T) {
	fake := &fakeExec{}
	var containerRuns []string
	eng, _ := newTestEngine(t, fake, Options{
		NewContainerStep: func(step models.Step, stage, buildID string, env []string, out io.Writer) ContainerStep {
			return containerStepFunc(func(ctx context.Context) executor.StepResult {
				containerRuns = append(containerRuns, stage+"/"+step.Name)
				return executor.StepResult{Outcome: executor.OutcomeOK, Attempts: 1}
			})
		},
	})

	p := pipeline(models.Stage{Name: "build", Steps: []models.Step{
		{Name: "compile", Image: "docker.io/golang:1.21", Run: "go build ./..."},
	}})

	result, err := eng.Run(context.Background(), p, "1", nil)
	require.NoError(t, err)

	assert.Equal(t, PipelineSucceeded, result.Outcome)
	assert.Equal(t, []string{"build/compile"}, containerRuns)
	assert.Empty(t, fake.callList())
}

type containerStepFunc func(ctx context.Context) executor.StepResult

func (f containerStepFunc) Run(ctx context.Context) executor.StepResult { return f(ctx) }

func TestParallelIndependentStagesOverlap(t *testing.T) {
	var barrier sync.WaitGroup
	barrier.Add(2)
	ok := make(chan struct{})
	go func() {
		barrier.Wait()
		close(ok)
	}()

	fake := &fakeExec{block: func(script string) {
		barrier.Done()
		select {
		case <-ok:
		case <-time.After(5 * time.Second):
		}
	}}
	eng, _ := newTestEngine(t, fake, Options{Parallel: 2})

	p := pipeline(
		models.Stage{Name: "lint", Steps: []models.Step{cmdStep("l", "lint.sh")}},
		models.Stage{Name: "scan", Steps: []models.Step{cmdStep("s", "scan.sh")}},
	)

	start := time.Now()
	result, err := eng.Run(context.Background(), p, "1", nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)

	// The rendezvous inside Run only completes when the two stages
	// really overlapped.
	select {
	case <-ok:
	default:
		t.Fatal("independent stages did not run concurrently")
	}
	assert.Equal(t, PipelineSucceeded, result.Outcome)
}

func TestAbortRunsAlwaysHookAndReportsAborted(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "cleaned")
	eng, _ := newTestEngine(t, executor.NewCommandExecutor(), Options{})

	p := pipeline(
		models.Stage{
			Name:  "long",
			Steps: []models.Step{cmdStep("wait", "sleep 10")},
			Hooks: []models.Hook{{Trigger: models.TriggerAlways, Step: cmdStep("cleanup", "touch "+marker)}},
		},
		models.Stage{Name: "after", DependsOn: []string{"long"}, Steps: []models.Step{cmdStep("a", "true")}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := eng.Run(ctx, p, "1", nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 8*time.Second, "cancellation should terminate the child process")
	assert.Equal(t, PipelineAborted, result.Outcome)
	assert.Equal(t, 1, result.ExitCode())

	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "ALWAYS hook should run for the in-flight stage")

	after := stageStatus(t, result, "after")
	assert.Equal(t, StageSkipped, after.Status)
}

func TestEndToEndFailureScenario(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "teardown")
	eng, store := newTestEngine(t, executor.NewCommandExecutor(), Options{})

	p := pipeline(
		models.Stage{Name: "build", Steps: []models.Step{cmdStep("compile", "true")}},
		models.Stage{
			Name:      "test",
			DependsOn: []string{"build"},
			Steps:     []models.Step{cmdStep("unit", "exit 1")},
			Hooks:     []models.Hook{{Trigger: models.TriggerAlways, Step: cmdStep("teardown", "touch "+marker)}},
		},
		models.Stage{Name: "deploy", DependsOn: []string{"test"}, Steps: []models.Step{cmdStep("ship", "true")}},
	)

	result, err := eng.Run(context.Background(), p, "e2e-fail", nil)
	require.NoError(t, err)

	assert.Equal(t, PipelineFailed, result.Outcome)
	assert.Equal(t, 1, result.ExitCode())
	assert.Equal(t, StageSucceeded, stageStatus(t, result, "build").Status)
	assert.Equal(t, StageFailed, stageStatus(t, result, "test").Status)
	assert.Equal(t, StageSkipped, stageStatus(t, result, "deploy").Status)

	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "test stage ALWAYS hook should have run")

	recorded, err := store.Query("e2e-fail")
	require.NoError(t, err)
	assert.NotEmpty(t, recorded)
}

func TestEndToEndSuccessScenario(t *testing.T) {
	eng, store := newTestEngine(t, executor.NewCommandExecutor(), Options{})

	p := pipeline(
		models.Stage{Name: "build", Steps: []models.Step{cmdStep("compile", "true")}},
		models.Stage{Name: "test", DependsOn: []string{"build"}, Steps: []models.Step{cmdStep("unit", "true")}},
		models.Stage{Name: "deploy", DependsOn: []string{"test"}, Steps: []models.Step{cmdStep("ship", "true")}},
	)

	result, err := eng.Run(context.Background(), p, "e2e-ok", nil)
	require.NoError(t, err)

	assert.Equal(t, PipelineSucceeded, result.Outcome)
	assert.Equal(t, 0, result.ExitCode())

	recorded, err := store.Query("e2e-ok")
	require.NoError(t, err)

	perStage := make(map[string]int)
	for _, a := range recorded {
		perStage[a.Stage]++
	}
	for _, name := range []string{"build", "test", "deploy"} {
		assert.GreaterOrEqual(t, perStage[name], 1, "expected a record for stage %s", name)
	}
}

func TestBuildIDSeededIntoContext(t *testing.T) {
	eng, _ := newTestEngine(t, executor.NewCommandExecutor(), Options{})

	p := pipeline(models.Stage{Name: "build", Steps: []models.Step{
		cmdStep("check", `test "$BUILD_ID" = "42" && test "$CONVEYOR_STAGE" = "build"`),
	}})

	result, err := eng.Run(context.Background(), p, "42", nil)
	require.NoError(t, err)
	assert.Equal(t, PipelineSucceeded, result.Outcome)
}
