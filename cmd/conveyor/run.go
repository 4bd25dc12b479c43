package conveyor

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/conveyorci/conveyor/pkg/artifacts"
	"github.com/conveyorci/conveyor/pkg/engine"
	"github.com/conveyorci/conveyor/pkg/executor"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/report"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Exit code classes: automation distinguishes "the pipeline ran and failed"
// from "the pipeline is broken".
const (
	exitStageFailure    = 1
	exitDefinitionError = 2
)

var (
	buildID      string
	envVars      []string
	parallel     int
	artifactsDir string
	reportPath   string
)

var runCmd = &cobra.Command{
	Use:   "run <definition>",
	Short: "Execute a pipeline definition",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runPipeline(args[0]))
	},
}

func init() {
	runCmd.Flags().StringVarP(&buildID, "build-id", "b", "", "Build identifier for this run. Generated when empty.")
	runCmd.Flags().StringArrayVarP(&envVars, "var", "e", nil, "Run-level variables. KEY=VALUE")
	runCmd.Flags().IntVarP(&parallel, "parallel", "p", 1, "Maximum number of independent stages to run concurrently.")
	runCmd.Flags().StringVar(&artifactsDir, "artifacts-dir", ".conveyor/artifacts", "Directory holding recorded artifacts.")
	runCmd.Flags().StringVarP(&reportPath, "report", "r", "", "Write the run summary to this file instead of stdout.")
}

func runPipeline(definitionPath string) int {
	pipeline, err := models.Load(definitionPath)
	if err != nil {
		logger.Error(err)
		return exitDefinitionError
	}

	seed := make(map[string]string)
	for _, v := range envVars {
		key, value, ok := strings.Cut(v, "=")
		if !ok {
			logger.Errorf("variables should be defined as KEY=VALUE: %s", v)
			return exitDefinitionError
		}
		seed[key] = value
	}

	if buildID == "" {
		buildID = uuid.NewString()
	}

	store, err := artifacts.NewFileManager(artifactsDir)
	if err != nil {
		logger.Error(err)
		return exitStageFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(executor.NewCommandExecutor(), store, engine.Options{
		Parallel: parallel,
		Logger:   logger,
	})

	result, err := eng.Run(ctx, pipeline, buildID, seed)
	if err != nil {
		logger.Error(err)
		if errors.Is(err, models.ErrDefinition) {
			return exitDefinitionError
		}
		return exitStageFailure
	}

	for _, stage := range result.Stages {
		logger.Info("stage outcome", "stage", stage.Name, "status", stage.Status, "duration", stage.Duration)
	}

	recorded, err := store.Query(buildID)
	if err != nil {
		logger.Warn("could not query artifacts", "err", err)
	}

	summary := report.FromResult(result, recorded)
	out := os.Stdout
	if reportPath != "" {
		f, err := os.Create(reportPath)
		if err != nil {
			logger.Error(err)
			return exitStageFailure
		}
		defer f.Close()
		out = f
	}
	if err := report.Write(out, summary); err != nil {
		logger.Error(err)
		return exitStageFailure
	}

	return result.ExitCode()
}
