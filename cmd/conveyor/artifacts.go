package conveyor

import (
	"fmt"
	"os"

	"github.com/conveyorci/conveyor/pkg/artifacts"
	"github.com/spf13/cobra"
)

var (
	listArtifactsDir string
	extractKey       string
	extractDest      string
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts <build-id>",
	Short: "List or extract the artifacts recorded for a build",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := artifacts.NewFileManager(listArtifactsDir)
		if err != nil {
			logger.Fatal(err)
		}

		if extractKey != "" {
			if err := store.Extract(args[0], extractKey, extractDest); err != nil {
				logger.Fatal(err)
			}
			logger.Info("artifact extracted", "key", extractKey, "dir", extractDest)
			return
		}

		recorded, err := store.Query(args[0])
		if err != nil {
			logger.Fatal(err)
		}
		if len(recorded) == 0 {
			logger.Info("no artifacts recorded", "build", args[0])
			return
		}
		for _, a := range recorded {
			fmt.Fprintf(os.Stdout, "%s\t%s\t%s\t%s\n", a.Key, a.Stage, a.Kind, a.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	},
}

func init() {
	artifactsCmd.Flags().StringVar(&listArtifactsDir, "artifacts-dir", ".conveyor/artifacts", "Directory holding recorded artifacts.")
	artifactsCmd.Flags().StringVar(&extractKey, "extract", "", "Extract the file artifact with this key.")
	artifactsCmd.Flags().StringVar(&extractDest, "dest", ".", "Directory to extract into.")
	rootCmd.AddCommand(artifactsCmd)
}
