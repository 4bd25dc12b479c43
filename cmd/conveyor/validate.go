package conveyor

import (
	"os"

	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <definition>",
	Short: "Check a pipeline definition without running it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		pipeline, err := models.Load(args[0])
		if err != nil {
			logger.Error(err)
			os.Exit(exitDefinitionError)
		}
		logger.Info("definition is valid", "pipeline", pipeline.Name, "stages", len(pipeline.Stages))
	},
}
