package reasoning

import (
	"database/sql"
)

// JobScanArgs holds the nullable column targets needed when scanning a job
// row. Same pattern as the execution store's step scanning.
type JobScanArgs struct {
	LastError   sql.NullString
	Reasoning   sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
	NextRetryAt sql.NullTime
}

// GetJobScanArgs returns a JobScanArgs struct ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns scan destinations for the job and its nullable
// columns, in the order produced by StandardJobSelectColumns
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.ExecutionID,
		&job.StepName,
		&job.Attempt,
		&job.Status,
		&args.LastError,
		&args.Reasoning,
		&job.CreatedAt,
		&job.UpdatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&args.NextRetryAt,
	}
}

// ProcessJobScanArgs copies the scanned nullable columns into the job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.LastError.Valid {
		job.LastError = args.LastError.String
	}
	if args.Reasoning.Valid {
		job.Reasoning = args.Reasoning.String
	}
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		job.CompletedAt = &args.CompletedAt.Time
	}
	if args.NextRetryAt.Valid {
		job.NextRetryAt = &args.NextRetryAt.Time
	}
}

// ScanJobFromRow scans a single job from a sql.Row
func ScanJobFromRow(row *sql.Row, job *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(job, args)

	if err := row.Scan(targets...); err != nil {
		return err
	}

	ProcessJobScanArgs(job, args)
	return nil
}

// ScanJobFromRows scans a single job from sql.Rows (for use in loops)
func ScanJobFromRows(rows *sql.Rows, job *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(job, args)

	if err := rows.Scan(targets...); err != nil {
		return err
	}

	ProcessJobScanArgs(job, args)
	return nil
}

// StandardJobSelectColumns returns the column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, execution_id, step_name, attempt, status,
		last_error, reasoning,
		created_at, updated_at, started_at, completed_at, next_retry_at`
}
