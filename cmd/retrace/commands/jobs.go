package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/retracehq/retrace/errors"
	"github.com/retracehq/retrace/logger"
	"github.com/retracehq/retrace/reasoning"
	"github.com/retracehq/retrace/sym"
	"github.com/retracehq/retrace/trace"
)

// JobsCmd represents the jobs command - reasoning job management
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Queue + " Inspect and manage async reasoning jobs",
	Long: sym.Queue + ` Reasoning jobs - async explanation work.

Every step lacking reasoning gets one job. Jobs retry transient failures
with backoff and end in either completed or failed; failed jobs stay put
until manually retried.

Job management commands:
  retrace jobs ls              # List jobs
  retrace jobs status <id>     # Show job details
  retrace jobs retry <id>      # Re-enqueue a failed job
  retrace jobs stats           # Job counts by status
  retrace jobs prune           # Delete old terminal jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List reasoning jobs",
	Long: `List reasoning jobs, optionally filtered by status.

Status filters:
  pending    - Jobs waiting for a worker (including scheduled retries)
  processing - Jobs currently being processed
  completed  - Successfully completed jobs
  failed     - Jobs that exhausted retries or hit a fatal error

Examples:
  retrace jobs ls                    # List recent jobs
  retrace jobs ls --status failed    # List only failed jobs
  retrace jobs ls --limit 50         # Show up to 50 jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(statusFilter, limit)
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show status of a reasoning job",
	Long: `Display detailed status information for a reasoning job:
- Job ID, execution, and step
- Current status and attempt count
- Generated reasoning (for completed jobs) or last error
- Timestamps (created, started, completed, next retry)

Example:
  retrace jobs status 5f0c9e7a-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStatus(args[0])
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-enqueue a failed reasoning job",
	Long: `Re-enqueue a failed reasoning job as a fresh job with a reset
attempt budget. The failed job is kept for audit.

Only failed jobs can be retried; pending and processing jobs are already
owned by the queue, and completed jobs have nothing left to do.

Example:
  retrace jobs retry 5f0c9e7a-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsRetry(args[0])
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStats()
	},
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old completed and failed jobs",
	Long: `Delete terminal (completed or failed) jobs older than the given age.
Pending and processing jobs are never pruned.

Example:
  retrace jobs prune --older-than 720h   # one month`,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		return runJobsPrune(olderThan)
	},
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status (pending, processing, completed, failed)")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	jobsPruneCmd.Flags().Duration("older-than", 7*24*time.Hour, "Minimum age of terminal jobs to delete")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsRetryCmd)
	JobsCmd.AddCommand(jobsStatsCmd)
	JobsCmd.AddCommand(jobsPruneCmd)
}

func runJobsLs(statusFilter string, limit int) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := reasoning.NewJobStore(database)

	var jobs []*reasoning.Job
	if statusFilter != "" {
		if !reasoning.IsValidStatus(statusFilter) {
			return errors.Newf("invalid status %q (valid: pending, processing, completed, failed)", statusFilter)
		}
		jobs, err = store.ListJobsByStatus(reasoning.Status(statusFilter), limit)
	} else {
		jobs, err = store.ListJobs(limit, 0)
	}
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}

	if len(jobs) == 0 {
		fmt.Println("No reasoning jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tATTEMPT\tEXECUTION\tSTEP\tUPDATED")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			shortID(job.ID),
			job.Status,
			job.Attempt,
			job.ExecutionID,
			job.StepName,
			job.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func runJobsStatus(jobID string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := reasoning.NewJobStore(database).GetJob(jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to load job %s", jobID)
	}

	fmt.Printf("%s Job %s\n", sym.Queue, job.ID)
	fmt.Printf("  Execution:  %s\n", job.ExecutionID)
	fmt.Printf("  Step:       %s\n", job.StepName)
	fmt.Printf("  Status:     %s\n", job.Status)
	fmt.Printf("  Attempt:    %d\n", job.Attempt)
	fmt.Printf("  Created:    %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  Started:    %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  Completed:  %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.NextRetryAt != nil {
		fmt.Printf("  Next retry: %s\n", job.NextRetryAt.Format(time.RFC3339))
	}
	if job.Reasoning != "" {
		fmt.Printf("  Reasoning:  %s\n", job.Reasoning)
	}
	if job.LastError != "" {
		fmt.Printf("  Last error: %s\n", job.LastError)
	}
	return nil
}

func runJobsRetry(jobID string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := reasoning.NewJobStore(database)
	job, err := store.GetJob(jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to load job %s", jobID)
	}
	if job.Status != reasoning.StatusFailed {
		return errors.Newf("job %s is %s; only failed jobs can be retried", shortID(job.ID), job.Status)
	}

	queue := reasoning.NewQueue(store, trace.NewStore(database), reasoning.Config{}, logger.Logger)
	fresh, err := queue.Enqueue(job.ExecutionID, job.StepName)
	if err != nil {
		return errors.Wrapf(err, "failed to re-enqueue step %s", job.StepName)
	}

	fmt.Printf("%s Re-enqueued %s/%s as job %s; a running daemon will process it\n",
		sym.Queue, job.ExecutionID, job.StepName, shortID(fresh.ID))
	return nil
}

func runJobsStats() error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	counts, err := reasoning.NewJobStore(database).CountJobsByStatus()
	if err != nil {
		return errors.Wrap(err, "failed to count jobs")
	}

	fmt.Printf("%s Reasoning Job Statistics\n", sym.Queue)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	statuses := make([]string, 0, len(counts))
	total := 0
	for status, count := range counts {
		statuses = append(statuses, string(status))
		total += count
	}
	sort.Strings(statuses)

	for _, status := range statuses {
		fmt.Printf("  %-12s %d\n", status, counts[reasoning.Status(status)])
	}
	fmt.Printf("\n  Total:       %d\n", total)
	return nil
}

func runJobsPrune(olderThan time.Duration) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	pruned, err := reasoning.NewJobStore(database).PruneTerminalJobs(olderThan)
	if err != nil {
		return errors.Wrap(err, "failed to prune jobs")
	}

	fmt.Printf("%s Pruned %d terminal job(s) older than %v\n", sym.Queue, pruned, olderThan)
	return nil
}

// shortID trims a UUID to its first segment for table output
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
