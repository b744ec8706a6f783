package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "strand",
		Short:         "Workflow orchestration for data pipelines",
		Long:          "strand runs workflows, tasks, and pipelines against a durable run ledger,\nwith scheduling, retries, dead-lettering, and partition bookkeeping.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newSchedulesCommand())
	rootCmd.AddCommand(newDLQCommand())
	rootCmd.AddCommand(newLocksCommand())
	rootCmd.AddCommand(newWatermarksCommand())
	rootCmd.AddCommand(newDBCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("strand %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
