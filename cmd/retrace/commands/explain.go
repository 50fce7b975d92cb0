package commands

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/retracehq/retrace/ai/provider"
	"github.com/retracehq/retrace/config"
	"github.com/retracehq/retrace/errors"
	"github.com/retracehq/retrace/explain"
	"github.com/retracehq/retrace/logger"
	"github.com/retracehq/retrace/reasoning"
	"github.com/retracehq/retrace/sym"
	"github.com/retracehq/retrace/trace"
)

// ExplainCmd generates reasoning for an execution's steps
var ExplainCmd = &cobra.Command{
	Use:   "explain <execution-id>",
	Short: sym.Explain + " Generate reasoning for an execution's steps",
	Long: sym.Explain + ` Generate step-by-step reasoning for a recorded execution.

Runs the explanation chain for every step that does not have reasoning yet
and waits for all jobs to finish. Steps that already have reasoning are
left untouched. Pattern rules are tried first; the language model is only
called when no rule matches.

Failed steps keep an empty reasoning field; re-run this command to retry
them.

Example:
  retrace explain exec-2024-001
  retrace explain exec-2024-001 --no-llm   # pattern rules and fallback only`,
	Args: cobra.ExactArgs(1),
	RunE: runExplain,
}

func init() {
	ExplainCmd.Flags().Bool("no-llm", false, "Skip the language-model tier")
}

func runExplain(cmd *cobra.Command, args []string) error {
	executionID := args[0]
	noLLM, _ := cmd.Flags().GetBool("no-llm")
	verbosity, _ := cmd.Flags().GetCount("verbose")

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
	queue := reasoning.NewQueue(reasoning.NewJobStore(database), store, reasoning.Config{
		Workers:    cfg.Reasoning.Workers,
		MaxRetries: cfg.Reasoning.MaxRetries,
		LLMTimeout: cfg.Reasoning.LLMTimeout(),
	}, logger.Logger)

	var aiClient provider.AIClient
	if !noLLM {
		aiClient = provider.NewAIClient(cfg, database, verbosity, "reasoning", "execution", executionID)
	}
	chain := explain.NewChain(aiClient, explain.ChainConfig{
		Timeout:       cfg.Reasoning.LLMTimeout(),
		MaxFieldBytes: cfg.Reasoning.MaxFieldBytes,
		Model:         cfg.OpenRouter.Model,
		Debug:         cfg.Reasoning.Debug,
	}, logger.Logger)

	// Ctrl+C abandons the wait; interrupted jobs stay pending and are
	// recovered by the next daemon or explain run.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := reasoning.NewWorkerPoolWithContext(ctx, queue, chain, logger.Logger)
	pool.Start()
	defer pool.Stop()

	if err := queue.ProcessExecution(ctx, executionID); err != nil {
		return err
	}

	exec, err := store.GetExecutionByID(executionID)
	if err != nil {
		return errors.Wrapf(err, "failed to reload execution %s", executionID)
	}

	fmt.Printf("%s Execution %s", sym.Explain, exec.ID)
	if exec.Pipeline != "" {
		fmt.Printf(" (%s)", exec.Pipeline)
	}
	fmt.Printf("\n%s\n\n", strings.Repeat("━", 46))

	explained := 0
	for i := range exec.Steps {
		step := &exec.Steps[i]
		marker := "✓"
		if step.Failed() {
			marker = "✗"
		}
		fmt.Printf("%s %s (%dms)\n", marker, step.Name, step.DurationMs)
		if step.HasReasoning() {
			explained++
			fmt.Printf("    %s\n", *step.Reasoning)
		} else {
			fmt.Printf("    (no reasoning generated; see 'retrace jobs ls --status failed')\n")
		}
	}

	fmt.Printf("\n%d/%d step(s) explained\n", explained, len(exec.Steps))
	return nil
}
