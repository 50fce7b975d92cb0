package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/retracehq/retrace/cmd/retrace/commands"
	"github.com/retracehq/retrace/logger"
)

var rootCmd = &cobra.Command{
	Use:   "retrace",
	Short: "retrace - Pipeline execution tracing with generated reasoning",
	Long: `retrace - Record pipeline executions and explain every step.

retrace tracks multi-step pipeline runs (executions) and generates a short
human-readable explanation for each step's observed input/output, using
pattern rules first and a language model only when the rules come up empty.
Reasoning generation runs asynchronously with retries and crash recovery.

Available commands:
  daemon  - Run the reasoning worker daemon
  import  - Import a recorded execution from a JSON file
  explain - Generate reasoning for an execution's steps
  jobs    - Inspect and manage async reasoning jobs
  db      - Manage retrace database operations
  config  - Manage retrace configuration

Examples:
  retrace import run.json          # Record an execution
  retrace explain exec-2024-001    # Explain its steps synchronously
  retrace daemon                   # Process reasoning jobs in background
  retrace jobs ls --status failed  # List failed jobs
  retrace config show              # Show current configuration`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.Initialize(verbosity, commands.JSONLogs()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	commands.AddGlobalFlags(rootCmd)

	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ExplainCmd)
	rootCmd.AddCommand(commands.ImportCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
