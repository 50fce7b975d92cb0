package commands

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/retracehq/retrace/ai/tracker"
	"github.com/retracehq/retrace/config"
	"github.com/retracehq/retrace/errors"
	"github.com/retracehq/retrace/sym"
	"github.com/retracehq/retrace/trace"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage retrace database",
	Long: sym.DB + ` db — Manage retrace database operations

Manage database operations including statistics, reasoning coverage, and
model usage telemetry.

Examples:
  retrace db stats                # Show database statistics
  retrace db ls                   # List recent executions
  retrace db ls --limit 50        # List up to 50 executions`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics and model usage",
	Long:  "Display execution and step counts, reasoning coverage, job totals, and language-model usage over the last 30 days",
	RunE:  runDbStats,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long:  "Open the database and apply any schema migrations that have not run yet. Other commands migrate on open too; this exists for explicit upgrades and scripting.",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Printf("%s Database schema is up to date\n", sym.DB)
		return nil
	},
}

var dbLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recorded executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipeline, _ := cmd.Flags().GetString("pipeline")
		limit, _ := cmd.Flags().GetInt("limit")
		return runDbLs(pipeline, limit)
	},
}

func init() {
	dbLsCmd.Flags().String("pipeline", "", "Filter by pipeline name")
	dbLsCmd.Flags().Int("limit", 20, "Maximum number of executions to display")

	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbLsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	var executions, steps, explained int
	err = database.QueryRow(`
		SELECT
			COUNT(DISTINCT e.id),
			COUNT(s.name),
			COUNT(CASE WHEN s.reasoning IS NOT NULL AND s.reasoning != '' THEN 1 END)
		FROM executions e
		LEFT JOIN execution_steps s ON s.execution_id = e.id
	`).Scan(&executions, &steps, &explained)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query execution stats: %w", err)
	}

	fmt.Printf("%s Database Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:      %s\n", cfg.GetDatabasePath())
	fmt.Printf("Executions:         %d\n", executions)
	fmt.Printf("Steps:              %d\n", steps)
	if steps > 0 {
		fmt.Printf("Reasoning Coverage: %d/%d (%.0f%%)\n", explained, steps,
			100*float64(explained)/float64(steps))
	}
	fmt.Println()

	rows, err := database.Query(`SELECT status, COUNT(*) FROM reasoning_jobs GROUP BY status ORDER BY status`)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query job stats: %w", err)
	}
	if err == nil {
		defer rows.Close()

		fmt.Printf("Reasoning Jobs:\n")
		hasJobs := false
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return fmt.Errorf("failed to scan job count: %w", err)
			}
			hasJobs = true
			fmt.Printf("  %-12s %d\n", status, count)
		}
		if !hasJobs {
			fmt.Println("  No jobs recorded yet")
		}
		fmt.Println()
	}

	usageTracker := tracker.NewUsageTracker(database, 0)
	since := time.Now().AddDate(0, 0, -30)

	usage, err := usageTracker.GetUsageStats(since)
	if err != nil {
		return fmt.Errorf("failed to query model usage: %w", err)
	}

	fmt.Printf("Model Usage (last 30 days):\n")
	if usage.TotalRequests == 0 {
		fmt.Println("  No language-model calls recorded")
		return nil
	}
	fmt.Printf("  Requests:     %d (%.0f%% successful)\n", usage.TotalRequests, usage.SuccessRate*100)
	fmt.Printf("  Tokens:       %d\n", usage.TotalTokens)
	fmt.Printf("  Cost:         $%.4f\n", usage.TotalCost)
	fmt.Printf("  Models used:  %d\n", usage.UniqueModels)

	breakdown, err := usageTracker.GetModelBreakdown(since)
	if err != nil {
		return fmt.Errorf("failed to query model breakdown: %w", err)
	}
	if len(breakdown) > 0 {
		fmt.Printf("\nPer Model:\n")
		for _, mb := range breakdown {
			line := fmt.Sprintf("  %-36s %4d requests  %8d tokens  $%.4f",
				mb.ModelName, mb.RequestCount, mb.TotalTokens, mb.TotalCost)
			if mb.AvgResponseTimeMs != nil {
				line += fmt.Sprintf("  %.0fms avg", *mb.AvgResponseTimeMs)
			}
			fmt.Println(line)
		}
	}

	trend, err := usageTracker.GetTimeSeriesData(30)
	if err != nil {
		return fmt.Errorf("failed to query cost trend: %w", err)
	}
	if len(trend) > 0 {
		fmt.Printf("\nDaily Cost Trend:\n")
		for _, point := range trend {
			fmt.Printf("  %s  %4d requests  $%.4f\n", point.Date, point.Requests, point.Cost)
		}
	}
	return nil
}

func runDbLs(pipeline string, limit int) error {
	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	summaries, err := trace.NewStore(database).ListExecutions(pipeline, limit)
	if err != nil {
		return errors.Wrap(err, "failed to list executions")
	}

	if len(summaries) == 0 {
		fmt.Println("No executions recorded")
		return nil
	}

	for _, summary := range summaries {
		fmt.Printf("%s  %-24s %-16s %2d steps  %s\n",
			summary.StartedAt.Format("2006-01-02 15:04:05"),
			summary.ID,
			summary.Pipeline,
			summary.StepCount,
			summary.Status,
		)
	}
	return nil
}
