package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/retracehq/retrace/ai/provider"
	"github.com/retracehq/retrace/config"
	"github.com/retracehq/retrace/explain"
	"github.com/retracehq/retrace/logger"
	"github.com/retracehq/retrace/reasoning"
	"github.com/retracehq/retrace/sym"
	"github.com/retracehq/retrace/trace"
)

// DaemonCmd runs the reasoning worker daemon
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: sym.Queue + " Run the reasoning worker daemon",
	Long: sym.Queue + ` Reasoning daemon - async explanation generation.

The daemon provides:
- Worker pool processing reasoning jobs with bounded concurrency
- Retry with exponential backoff for transient failures
- Recovery of unfinished jobs from a previous process lifetime
- Graceful shutdown (completes in-flight jobs before exit)

Jobs are created by 'retrace import' (when reasoning.auto_process is on),
by 'retrace explain', or by the library API. The daemon drains whatever the
durable queue holds and keeps running until interrupted.

Example:
  retrace daemon              # Start daemon in foreground
  retrace daemon --workers 3  # Start with 3 concurrent workers`,
	RunE: runDaemon,
}

func init() {
	DaemonCmd.Flags().Int("workers", 0, "Number of concurrent workers (0 = use configuration)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	workersFlag, _ := cmd.Flags().GetInt("workers")
	verbosity, _ := cmd.Flags().GetCount("verbose")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Daemon logging follows the config file unless -v was given explicitly
	if verbosity == 0 && cfg.Logging.Verbosity > 0 {
		verbosity = cfg.Logging.Verbosity
	}
	if err := logger.Initialize(verbosity, cfg.Logging.JSON || jsonLogsFlag); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	queueCfg := reasoning.Config{
		Workers:    cfg.Reasoning.Workers,
		MaxRetries: cfg.Reasoning.MaxRetries,
		LLMTimeout: cfg.Reasoning.LLMTimeout(),
	}
	if workersFlag > 0 {
		queueCfg.Workers = workersFlag
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executions := trace.NewStore(database)
	queue := reasoning.NewQueue(reasoning.NewJobStore(database), executions, queueCfg, logger.Logger)

	aiClient := provider.NewAIClient(cfg, database, verbosity, "reasoning", "execution", "")
	chain := explain.NewChain(aiClient, explain.ChainConfig{
		Timeout:       cfg.Reasoning.LLMTimeout(),
		MaxFieldBytes: cfg.Reasoning.MaxFieldBytes,
		Model:         cfg.OpenRouter.Model,
		Debug:         cfg.Reasoning.Debug,
	}, logger.Logger)

	pool := reasoning.NewWorkerPoolWithContext(ctx, queue, chain, logger.Logger)
	pool.Start()

	// Apply logging changes from config edits without a restart
	var watcher *config.Watcher
	if configFile := config.GetViper().ConfigFileUsed(); configFile != "" {
		watcher, err = config.NewWatcher(configFile)
		if err != nil {
			logger.Warnw("Config watcher unavailable, edits require a restart",
				"path", configFile, "error", err)
		} else {
			watcher.OnReload(func(updated *config.Config) error {
				return logger.Initialize(updated.Logging.Verbosity, updated.Logging.JSON)
			})
			watcher.Start()
		}
	}

	fmt.Printf("%s Reasoning daemon started\n", sym.Queue)
	fmt.Printf("  Workers:     %d\n", pool.Workers())
	fmt.Printf("  Max retries: %d\n", queueCfg.MaxRetries)
	fmt.Printf("  LLM timeout: %v\n", queueCfg.LLMTimeout)
	fmt.Printf("  Database:    %s\n", cfg.GetDatabasePath())
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Queue)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\n%s Initiating graceful shutdown...\n", sym.Queue)

	// Stop components in reverse order of startup
	if watcher != nil {
		watcher.Stop()
	}
	pool.Stop()
	cancel()

	fmt.Printf("%s Reasoning daemon stopped\n", sym.Queue)
	return nil
}
