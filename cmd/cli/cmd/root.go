// Package cmd implements the meshcomm command-line interface.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meshcomm/pkg/utils"
)

var (
	// Global flags
	verbose    bool
	configPath string
	logger     utils.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "meshcomm",
	Short: "Neighbor-exchange communication toolkit for AMR meshes",
	Long: `meshcomm builds and exercises Token exchange patterns: precomputed,
reusable plans for moving neighbor data (ghost cells, mother/daughter
cells) between the ranks of a distributed mesh.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel := utils.LevelInfo
		if verbose {
			logLevel = utils.LevelDebug
		}
		logger = utils.NewDefaultLogger(logLevel, os.Stdout)
		utils.SetGlobalLogger(logger)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	binName := BinName()
	rootCmd.Example = `  # Run the exchange benchmark with 4 in-process ranks
  ` + binName + ` bench --ranks 4

  # Row-wise exchange with a bounded receive scratch buffer
  ` + binName + ` bench --ranks 4 --rows 8 --max-recv-bytes 4096

  # Exercise the one-sided count exchange
  ` + binName + ` bench --use-rma`
}

// GetLogger returns the configured logger
func GetLogger() utils.Logger {
	return logger
}

// BinName returns the base name of the current executable
func BinName() string {
	return filepath.Base(os.Args[0])
}
