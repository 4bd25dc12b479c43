package conveyor

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var logger = log.New(os.Stderr)

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Conveyor is a declarative deployment pipeline orchestrator",
	Long: `Conveyor runs pipelines defined in a yaml file: named stages with ordered
steps, dependency edges between stages, post-stage hooks and a shared variable
context for one run. Independent stages can run concurrently.`,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(err)
	}
}
