package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "listingctl",
	Short: "Run listing experiment operations against one shop",
	Long: `listingctl drives the experiment lifecycle without the HTTP server:
accept, keep, revert and extend experiments, evaluate them against the
recorded view history, and run the sync and sweep jobs on demand.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(
		acceptCmd,
		keepCmd,
		revertCmd,
		extendCmd,
		evaluateCmd,
		selectCmd,
		listCmd,
		overviewCmd,
		syncCmd,
		sweepCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
