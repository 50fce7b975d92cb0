package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/retracehq/retrace/config"
	"github.com/retracehq/retrace/errors"
	"github.com/retracehq/retrace/logger"
	"github.com/retracehq/retrace/reasoning"
	"github.com/retracehq/retrace/sym"
	"github.com/retracehq/retrace/trace"
)

// ImportCmd imports a recorded execution from a JSON file
var ImportCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: sym.Trace + " Import a recorded execution from a JSON file",
	Long: sym.Trace + ` Import a recorded pipeline execution.

The file must contain one execution object with at least an id and a
non-empty steps array:

  {
    "id": "exec-2024-001",
    "pipeline": "product-search",
    "steps": [
      {"name": "search", "input": {...}, "output": {...}, ...}
    ]
  }

Importing an id that already exists replaces the stored execution but
preserves reasoning already generated for matching steps.

When reasoning.auto_process is enabled, a reasoning job is enqueued for
every imported step without an explanation; a running daemon (or the next
'retrace explain') picks them up.

Example:
  retrace import run.json
  retrace import run.json --process   # enqueue reasoning regardless of config
  some-pipeline | retrace import -    # read from stdin`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	ImportCmd.Flags().Bool("process", false, "Enqueue reasoning jobs regardless of reasoning.auto_process")
}

func runImport(cmd *cobra.Command, args []string) error {
	process, _ := cmd.Flags().GetBool("process")

	source := args[0]
	var data []byte
	var err error
	if source == "-" {
		source = "stdin"
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", source)
	}

	var exec trace.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return errors.Wrapf(err, "failed to parse %s", source)
	}
	if err := exec.Validate(); err != nil {
		return errors.Wrapf(err, "invalid execution in %s", source)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := trace.NewStore(database)
	if err := store.SaveExecution(&exec); err != nil {
		return errors.Wrapf(err, "failed to save execution %s", exec.ID)
	}

	fmt.Printf("%s Imported execution %s (%d steps)\n", sym.Trace, exec.ID, len(exec.Steps))

	missing := exec.StepsNeedingReasoning()
	if len(missing) == 0 {
		fmt.Println("  All steps already have reasoning")
		return nil
	}

	if !process && !cfg.Reasoning.AutoProcess {
		fmt.Printf("  %d step(s) lack reasoning; run 'retrace explain %s' to generate\n",
			len(missing), exec.ID)
		return nil
	}

	queue := reasoning.NewQueue(reasoning.NewJobStore(database), store, reasoning.Config{
		MaxRetries: cfg.Reasoning.MaxRetries,
	}, logger.Logger)
	enqueued, err := queue.EnqueueExecution(exec.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue reasoning for %s", exec.ID)
	}

	fmt.Printf("  Enqueued %d reasoning job(s); a running daemon will process them\n", enqueued)
	return nil
}
